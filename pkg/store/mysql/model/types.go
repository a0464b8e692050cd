package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	domain "actionworker/internal/model"
)

// columnBytes normalizes driver values for JSON columns. MySQL returns []byte,
// SQLite may return string.
func columnBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported JSON column value: %T", value)
	}
}

// ContainerLogs is the JSON encoded log array of an action
type ContainerLogs []domain.ContainerLog

// Scan implements sql.Scanner interface
func (l *ContainerLogs) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, err := columnBytes(value)
	if err != nil {
		return err
	}
	result := make([]domain.ContainerLog, 0)
	if len(bytes) > 0 {
		if err := json.Unmarshal(bytes, &result); err != nil {
			return err
		}
	}
	*l = ContainerLogs(result)
	return nil
}

// Value implements driver.Valuer interface
func (l ContainerLogs) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// ImageJSON is the JSON encoded resolved image of an action
type ImageJSON domain.ImageInfo

// Scan implements sql.Scanner interface
func (i *ImageJSON) Scan(value interface{}) error {
	if value == nil {
		*i = ImageJSON{}
		return nil
	}
	bytes, err := columnBytes(value)
	if err != nil {
		return err
	}
	if len(bytes) == 0 {
		*i = ImageJSON{}
		return nil
	}
	return json.Unmarshal(bytes, (*domain.ImageInfo)(i))
}

// Value implements driver.Valuer interface
func (i ImageJSON) Value() (driver.Value, error) {
	data, err := json.Marshal(domain.ImageInfo(i))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// JSONStringArray is a custom type for JSON string arrays
type JSONStringArray []string

// Scan implements sql.Scanner interface
func (j *JSONStringArray) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, err := columnBytes(value)
	if err != nil {
		return err
	}
	result := make([]string, 0)
	if len(bytes) > 0 {
		if err := json.Unmarshal(bytes, &result); err != nil {
			return err
		}
	}
	*j = JSONStringArray(result)
	return nil
}

// Value implements driver.Valuer interface
func (j JSONStringArray) Value() (driver.Value, error) {
	if j == nil {
		return "[]", nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
