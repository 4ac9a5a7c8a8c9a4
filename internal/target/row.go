package target

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Row is one result row keyed by column name in select-list order. Setting a
// name twice keeps its first position and the last value.
type Row struct {
	columns []string
	values  map[string]any
}

func NewRow() Row {
	return Row{values: map[string]any{}}
}

func (r *Row) Set(column string, value any) {
	if r.values == nil {
		r.values = map[string]any{}
	}
	if _, exists := r.values[column]; !exists {
		r.columns = append(r.columns, column)
	}
	r.values[column] = value
}

func (r Row) Get(column string) (any, bool) {
	value, ok := r.values[column]
	return value, ok
}

func (r Row) Columns() []string {
	out := make([]string, len(r.columns))
	copy(out, r.columns)
	return out
}

func (r Row) Len() int {
	return len(r.columns)
}

func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, column := range r.columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(column)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(r.values[column])
		if err != nil {
			return nil, fmt.Errorf("encode column %q: %w", column, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *Row) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("row must be a JSON object")
	}
	*r = NewRow()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("row key must be a string")
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return err
		}
		r.Set(key, value)
	}
	_, err = dec.Token()
	return err
}

func normalizeValue(value any) any {
	switch typed := value.(type) {
	case []byte:
		return string(typed)
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	default:
		return typed
	}
}
