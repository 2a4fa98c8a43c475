package store

import (
	"encoding/json"
	"time"
)

// State is the persisted circuit state of a service key. The string values
// are part of the wire contract: peers written against the same store must
// parse them regardless of implementation language.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Valid reports whether s is one of the three known states.
func (s State) Valid() bool {
	return s == StateClosed || s == StateOpen || s == StateHalfOpen
}

// Stats is the record persisted per service key. Field names form the
// canonical serialized shape; absent optional fields decode to their zero
// values. TotalRequests, SuccessfulRequests, and FailedRequests are monotonic
// over the lifetime of a key. CurrentLoad, AverageResponseTime, and
// LastMinuteRequests are advisory present-value fields written by whichever
// breaker instance reported last.
type Stats struct {
	State               State      `json:"state"`
	FailureCount        int        `json:"failureCount"`
	LastFailureTime     *time.Time `json:"lastFailureTime,omitempty"`
	LastSuccessTime     *time.Time `json:"lastSuccessTime,omitempty"`
	LastUpdateTime      *time.Time `json:"lastUpdateTime,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	TotalRequests       int64      `json:"totalRequests"`
	SuccessfulRequests  int64      `json:"successfulRequests"`
	FailedRequests      int64      `json:"failedRequests"`
	CurrentLoad         int        `json:"currentLoad"`
	AverageResponseTime float64    `json:"averageResponseTime"`
	LastMinuteRequests  int64      `json:"lastMinuteRequests"`
}

// NewStats returns the record materialized for a key on first access:
// closed, zero counters, last success stamped now.
func NewStats(now time.Time) *Stats {
	return &Stats{
		State:           StateClosed,
		LastSuccessTime: &now,
		LastUpdateTime:  &now,
	}
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate a record that is still shared with watchers.
func (s *Stats) Clone() *Stats {
	out := *s
	out.LastFailureTime = copyTime(s.LastFailureTime)
	out.LastSuccessTime = copyTime(s.LastSuccessTime)
	out.LastUpdateTime = copyTime(s.LastUpdateTime)
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// EncodeStats serializes a record into its canonical JSON form.
func EncodeStats(s *Stats) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeStats parses the canonical JSON form. Records written by peers may
// omit optional fields; a missing state defaults to closed so that a
// partially written record never reads as tripped.
func DecodeStats(data []byte) (*Stats, error) {
	var s Stats
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.State == "" {
		s.State = StateClosed
	}
	return &s, nil
}
