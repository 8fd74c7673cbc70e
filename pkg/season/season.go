// Package season stores TVMaze seasons in PostgreSQL.
//
// Seasons arrive as raw TVMaze JSON objects (Record). Repository.Upsert projects a record
// onto the known columns and writes it with INSERT ... ON CONFLICT (id) DO UPDATE, so
// applying the same record any number of times leaves the same row. Keys the table does
// not know are dropped; columns absent from the record keep their stored value.
package season

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMissingID is returned when a record has no usable season id.
	ErrMissingID = errors.New("season must have an id")

	// ErrNotFound is returned by reads that match no season.
	ErrNotFound = errors.New("season not found")
)

// Record is a season object as returned by the TVMaze API.
type Record map[string]json.RawMessage

// ID returns the season id of the record. ok is false when the id is missing, null,
// not an integer or not positive.
func (r Record) ID() (id int, ok bool) {
	raw, present := r["id"]
	if !present {
		return 0, false
	}
	if err := json.Unmarshal(raw, &id); err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Season is a stored season as served to API clients.
type Season struct {
	ID           int             `json:"id"`
	ShowID       int             `json:"show_id"`
	URL          *string         `json:"url"`
	Number       int             `json:"number"`
	Name         *string         `json:"name"`
	EpisodeOrder *int            `json:"episodeOrder"`
	PremiereDate *string         `json:"premiereDate"`
	EndDate      *string         `json:"endDate"`
	Network      json.RawMessage `json:"network"`
	WebChannel   json.RawMessage `json:"webChannel"`
	Image        json.RawMessage `json:"image"`
	Summary      *string         `json:"summary"`
	Links        json.RawMessage `json:"_links"`
}

type columnKind int

const (
	kindText columnKind = iota
	kindInt
	kindJSON
)

// column maps a TVMaze field onto a table column.
type column struct {
	field string
	name  string
	kind  columnKind
}

// columns lists the writable columns besides id and show_id, in statement order.
var columns = []column{
	{field: "url", name: "url", kind: kindText},
	{field: "number", name: "number", kind: kindInt},
	{field: "name", name: "name", kind: kindText},
	{field: "episodeOrder", name: "episode_order", kind: kindInt},
	{field: "premiereDate", name: "premiere_date", kind: kindText},
	{field: "endDate", name: "end_date", kind: kindText},
	{field: "network", name: "network", kind: kindJSON},
	{field: "webChannel", name: "web_channel", kind: kindJSON},
	{field: "image", name: "image", kind: kindJSON},
	{field: "summary", name: "summary", kind: kindText},
	{field: "_links", name: "links", kind: kindJSON},
}

// value converts a raw JSON field into a statement argument. JSON null becomes NULL.
func (c column) value(raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	switch c.kind {
	case kindText:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("field %s: expected string: %w", c.field, err)
		}
		return s, nil
	case kindInt:
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("field %s: expected integer: %w", c.field, err)
		}
		return n, nil
	case kindJSON:
		if !json.Valid(raw) {
			return nil, fmt.Errorf("field %s: invalid JSON", c.field)
		}
		return string(raw), nil
	default:
		return nil, fmt.Errorf("field %s: unknown column kind %d", c.field, c.kind)
	}
}
