package progress

import "fmt"

// Status is the lifecycle state of a run.
type Status int

const (
	StatusPending Status = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
)

// String returns the wire form of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed:
		return true
	case StatusPending, StatusInProgress:
		return false
	default:
		return false
	}
}

// ParseStatus parses the wire form of a status.
func ParseStatus(text string) (Status, error) {
	switch text {
	case "pending":
		return StatusPending, nil
	case "in_progress":
		return StatusInProgress, nil
	case "completed":
		return StatusCompleted, nil
	case "failed":
		return StatusFailed, nil
	default:
		return 0, fmt.Errorf("unknown run status %q", text)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("cannot marshal %s", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
