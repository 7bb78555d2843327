package db

import (
	"encoding/json"
	"fmt"
	"time"
)

// sqlTime scans TIMESTAMPTZ values and SQLite TEXT timestamps alike.
// NULL leaves Valid false.
type sqlTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	timeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
}

// Scan implements sql.Scanner.
func (t *sqlTime) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

// ptr returns the time as a pointer, nil when NULL.
func (t sqlTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// jsonMap scans a JSON object column.
type jsonMap map[string]any

// Scan implements sql.Scanner.
func (m *jsonMap) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = jsonMap{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into JSON object", src)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to decode JSON column: %w", err)
	}
	*m = out
	return nil
}

func encodeJSON(v map[string]any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode JSON column: %w", err)
	}
	return string(raw), nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
