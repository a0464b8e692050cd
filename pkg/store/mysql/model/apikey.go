package model

import (
	"time"

	"gorm.io/gorm"
)

// KeyTypeContainer marks credentials handed to action containers
const KeyTypeContainer = "CONTAINER"

// ApiKey is a credential scoped to one action; revocation is a soft delete
type ApiKey struct {
	UUID        string         `gorm:"column:uuid;primaryKey;size:36"`
	Secret      string         `gorm:"column:apikey;size:64;not null;uniqueIndex"`
	KeyType     string         `gorm:"column:key_type;size:32;not null"`
	Rights      int            `gorm:"column:rights;not null;default:0"`
	ActionUUID  string         `gorm:"column:action_uuid;size:36;index"`
	MissionUUID string         `gorm:"column:mission_uuid;size:36;index"`
	UserUUID    string         `gorm:"column:user_uuid;size:36"`
	CreatedAt   time.Time      `gorm:"column:created_at;not null"`
	DeletedAt   gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

func (ApiKey) TableName() string {
	return "api_keys"
}
