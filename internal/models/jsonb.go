package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB is a free-form JSON object stored in a JSONB column
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	result := make(map[string]interface{})
	bytes, ok := value.([]byte)
	if !ok || len(bytes) == 0 {
		*j = result
		return nil
	}

	if err := json.Unmarshal(bytes, &result); err != nil {
		return err
	}
	*j = result
	return nil
}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

// Clone returns a deep copy of the object
func (j JSONB) Clone() JSONB {
	if j == nil {
		return JSONB{}
	}
	out, err := cloneJSON(map[string]interface{}(j))
	if err != nil {
		return JSONB{}
	}
	return JSONB(out.(map[string]interface{}))
}

// Merge copies every key of other over j, returning a new object
func (j JSONB) Merge(other map[string]interface{}) JSONB {
	out := j.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// String returns the value under key when it is a string
func (j JSONB) String(key string) string {
	if v, ok := j[key].(string); ok {
		return v
	}
	return ""
}

func cloneJSON(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to clone value: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to clone value: %w", err)
	}
	return out, nil
}

// scanJSON unmarshals a JSON column into dest, leaving dest untouched for NULL
func scanJSON(value interface{}, dest interface{}) error {
	if value == nil {
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
	if len(bytes) == 0 {
		return nil
	}
	return json.Unmarshal(bytes, dest)
}
