package model

import (
	"time"

	domain "actionworker/internal/model"
)

// Action represents one execution of a template against a mission
type Action struct {
	UUID               string               `gorm:"column:uuid;primaryKey;size:36"`
	TemplateUUID       string               `gorm:"column:template_uuid;size:36;not null;index"`
	MissionUUID        string               `gorm:"column:mission_uuid;size:36;not null;index"`
	WorkerUUID         *string              `gorm:"column:worker_uuid;size:36;index"`
	CreatorUUID        string               `gorm:"column:creator_uuid;size:36"`
	State              domain.ActionState   `gorm:"column:state;size:32;not null;default:PENDING;index"`
	StateCause         string               `gorm:"column:state_cause;type:text"`
	ContainerID        string               `gorm:"column:container_id;size:128"`
	Image              ImageJSON            `gorm:"column:image;type:json"`
	Logs               ContainerLogs        `gorm:"column:logs;type:json"`
	ExitCode           *int                 `gorm:"column:exit_code"`
	ExecutionStartedAt *time.Time           `gorm:"column:execution_started_at"`
	ExecutionEndedAt   *time.Time           `gorm:"column:execution_ended_at"`
	Artifacts          domain.ArtifactState `gorm:"column:artifacts;size:32;not null;default:NONE"`
	ArtifactURL        string               `gorm:"column:artifact_url;size:512"`
	Attempt            int                  `gorm:"column:attempt;not null;default:0"`
	Version            int64                `gorm:"column:version;not null;default:0"` // optimistic lock
	CreatedAt          time.Time            `gorm:"column:created_at;not null"`
	UpdatedAt          time.Time            `gorm:"column:updated_at;not null"`

	Template *ActionTemplate `gorm:"foreignKey:TemplateUUID;references:UUID"`
	Mission  *Mission        `gorm:"foreignKey:MissionUUID;references:UUID"`
	Worker   *Worker         `gorm:"foreignKey:WorkerUUID;references:UUID"`
	Creator  *User           `gorm:"foreignKey:CreatorUUID;references:UUID"`
}

func (Action) TableName() string {
	return "actions"
}

// ActionTemplate is a versioned execution definition, read-only for the worker
type ActionTemplate struct {
	UUID         string    `gorm:"column:uuid;primaryKey;size:36"`
	Name         string    `gorm:"column:name;not null"`
	Version      int       `gorm:"column:version;not null;default:1"`
	ImageName    string    `gorm:"column:image_name;not null"`
	Command      string    `gorm:"column:command;type:text"`
	Entrypoint   string    `gorm:"column:entrypoint;type:text"`
	CPUCores     int       `gorm:"column:cpu_cores;not null;default:0"`
	CPUMemory    int       `gorm:"column:cpu_memory;not null;default:0"`  // GB
	GPUMemory    int       `gorm:"column:gpu_memory;not null"`            // GB, <=0 means no GPU
	MaxRuntime   float64   `gorm:"column:max_runtime;not null;default:1"` // hours
	AccessRights int       `gorm:"column:access_rights;not null;default:0"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

func (ActionTemplate) TableName() string {
	return "action_templates"
}

// Mission is the dataset an action runs against
type Mission struct {
	UUID        string   `gorm:"column:uuid;primaryKey;size:36"`
	Name        string   `gorm:"column:name"`
	ProjectUUID string   `gorm:"column:project_uuid;size:36;index"`
	Project     *Project `gorm:"foreignKey:ProjectUUID;references:UUID"`
}

func (Mission) TableName() string {
	return "missions"
}

// Project groups missions
type Project struct {
	UUID string `gorm:"column:uuid;primaryKey;size:36"`
	Name string `gorm:"column:name"`
}

func (Project) TableName() string {
	return "projects"
}

// User is the creator of an action
type User struct {
	UUID string `gorm:"column:uuid;primaryKey;size:36"`
	Name string `gorm:"column:name"`
}

func (User) TableName() string {
	return "users"
}
