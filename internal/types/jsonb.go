package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Compile-time interface assertions.
// These ensure the JSONB types implement both sql.Scanner and driver.Valuer,
// catching any method signature drift at compile time rather than at runtime.
// Scan is on pointer receivers; Value is on value receivers.
var (
	_ sql.Scanner   = (*Metadata)(nil)
	_ driver.Valuer = Metadata(nil)
	_ sql.Scanner   = (*EventResult)(nil)
	_ driver.Valuer = EventResult{}
)

// scanJSONB is a generic helper that scans a JSONB database value into a Go pointer.
// It handles nil values, []byte, and string representations from different database drivers.
func scanJSONB(dest interface{}, value interface{}) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// valueJSONB is a generic helper that converts a Go value to a JSONB-compatible driver.Value.
// Returns nil for nil interface values; otherwise marshals to JSON bytes.
func valueJSONB(v interface{}) (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Metadata is a free-form string map carried on checkout sessions and
// subscriptions, persisted as JSONB.
type Metadata map[string]string

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	return scanJSONB(m, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (r *EventResult) Scan(value interface{}) error {
	return scanJSONB(r, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (r EventResult) Value() (driver.Value, error) {
	return valueJSONB(r)
}
