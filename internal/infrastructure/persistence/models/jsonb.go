package models

import "encoding/json"

// JSONB columns are stored as nullable text so the same models work against
// PostgreSQL and the SQLite test database. An empty document maps to NULL.

func rawFromColumn(s *string) json.RawMessage {
	if s == nil || *s == "" {
		return nil
	}
	return json.RawMessage(*s)
}

func columnFromRaw(raw json.RawMessage) *string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	s := string(raw)
	return &s
}
