package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

// Int64List is a slice of entity IDs stored as a JSON array column.
type Int64List []int64

// Value implements driver.Valuer for database writes.
func (l Int64List) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshaling id list: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner for database reads.
func (l *Int64List) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported id list source type %T", src)
	}
}

// Contains reports whether id is present in the list.
func (l Int64List) Contains(id int64) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}

// Normalized returns a sorted copy with duplicates removed.
func Normalized(ids []int64) Int64List {
	if len(ids) == 0 {
		return Int64List{}
	}
	seen := make(map[int64]struct{}, len(ids))
	out := make(Int64List, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
