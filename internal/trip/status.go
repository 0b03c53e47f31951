package trip

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a trip. The zero value is not a valid
// status; only the three declared constants are.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusOngoing
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusOngoing:
		return "ongoing"
	case StatusCompleted:
		return "completed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusOngoing, StatusCompleted:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusCompleted }

// ParseStatus accepts the lower-case names produced by String, case-insensitively.
func ParseStatus(v string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "pending":
		return StatusPending, nil
	case "ongoing":
		return StatusOngoing, nil
	case "completed":
		return StatusCompleted, nil
	}
	return 0, fmt.Errorf("unknown trip status %q", v)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid trip status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
