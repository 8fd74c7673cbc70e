package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ActionProcessBatch tags a PageToken on the wire.
const ActionProcessBatch = "process_batch"

// ErrInvalidWorkItem is returned when a message body is neither a page token nor an
// entity task. It is a validation failure and is never worth retrying.
var ErrInvalidWorkItem = errors.New("invalid work item")

// WorkItem is a unit of queued work: either a PageToken or an EntityTask.
type WorkItem interface {
	workItem()
}

// PageToken asks a worker to process members [Offset, Offset+BatchSize) of the show
// index for a run.
type PageToken struct {
	RunID       string `json:"import_id"`
	BatchNumber int    `json:"batch_number"`
	BatchSize   int    `json:"batch_size"`
}

func (PageToken) workItem() {}

// Offset returns the index of the first member covered by the token.
func (p PageToken) Offset() int {
	return p.BatchNumber * p.BatchSize
}

// Next returns the continuation token.
func (p PageToken) Next() PageToken {
	return PageToken{RunID: p.RunID, BatchNumber: p.BatchNumber + 1, BatchSize: p.BatchSize}
}

// MarshalJSON adds the action tag.
func (p PageToken) MarshalJSON() ([]byte, error) {
	type wire struct {
		Action      string `json:"action"`
		RunID       string `json:"import_id"`
		BatchNumber int    `json:"batch_number"`
		BatchSize   int    `json:"batch_size"`
	}
	return json.Marshal(wire{
		Action:      ActionProcessBatch,
		RunID:       p.RunID,
		BatchNumber: p.BatchNumber,
		BatchSize:   p.BatchSize,
	})
}

// EntityTask asks a worker to synchronize the seasons of one show. RunID is empty for
// update-driven tasks that belong to no bulk run.
type EntityTask struct {
	ShowID int    `json:"show_id"`
	RunID  string `json:"import_id,omitempty"`
}

func (EntityTask) workItem() {}

// DefaultBatchSize is used when a page token arrives without a batch size.
const DefaultBatchSize = 100

// DecodeWorkItem parses a message body into a WorkItem.
func DecodeWorkItem(body []byte) (WorkItem, error) {
	var probe struct {
		Action      string          `json:"action"`
		RunID       string          `json:"import_id"`
		BatchNumber *int            `json:"batch_number"`
		BatchSize   int             `json:"batch_size"`
		ShowID      json.RawMessage `json:"show_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkItem, err)
	}

	switch {
	case probe.Action == ActionProcessBatch:
		if probe.RunID == "" || probe.BatchNumber == nil || *probe.BatchNumber < 0 {
			return nil, fmt.Errorf("%w: page token needs import_id and batch_number", ErrInvalidWorkItem)
		}
		size := probe.BatchSize
		if size <= 0 {
			size = DefaultBatchSize
		}
		return PageToken{RunID: probe.RunID, BatchNumber: *probe.BatchNumber, BatchSize: size}, nil

	case probe.Action != "":
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidWorkItem, probe.Action)

	case len(probe.ShowID) > 0 && string(probe.ShowID) != "null":
		var showID int
		if err := json.Unmarshal(probe.ShowID, &showID); err != nil || showID <= 0 {
			return nil, fmt.Errorf("%w: show_id %s is not a positive integer", ErrInvalidWorkItem, probe.ShowID)
		}
		return EntityTask{ShowID: showID, RunID: probe.RunID}, nil

	default:
		return nil, fmt.Errorf("%w: missing show_id", ErrInvalidWorkItem)
	}
}
