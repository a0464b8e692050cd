package model

import "time"

// Worker represents one fleet member in database
type Worker struct {
	UUID       string    `gorm:"column:uuid;primaryKey;size:36"`
	Identifier string    `gorm:"column:identifier;size:255;not null;uniqueIndex"`
	Hostname   string    `gorm:"column:hostname;size:255"`
	CPUCores   int       `gorm:"column:cpu_cores;not null;default:0"`
	CPUModel   string    `gorm:"column:cpu_model"`
	CPUMemory  int       `gorm:"column:cpu_memory;not null;default:0"` // GB
	HasGPU     bool      `gorm:"column:has_gpu;not null;default:false"`
	GPUModel   string    `gorm:"column:gpu_model"`
	GPUMemory  int       `gorm:"column:gpu_memory;not null"`        // GB
	Storage    int       `gorm:"column:storage;not null;default:0"` // GB
	Reachable  bool      `gorm:"column:reachable;not null"`
	LastSeen   time.Time `gorm:"column:last_seen;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

func (Worker) TableName() string {
	return "workers"
}
