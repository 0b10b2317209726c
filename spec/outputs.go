package spec

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Outputs holds the named values reported by the provisioning tool after an apply
type Outputs map[string]string

func (o *Outputs) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case nil:
		*o = make(Outputs)
		return nil
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("Failed to unmarshal json value: %v", value)
	}
	if len(bytes) == 0 {
		*o = make(Outputs)
		return nil
	}
	return json.Unmarshal(bytes, o)
}

func (o Outputs) Value() (driver.Value, error) {
	if o == nil {
		return "{}", nil
	}
	bytes, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}

func (Outputs) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "sqlite":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}
