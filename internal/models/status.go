package models

// Status enumerates job lifecycle states persisted in Postgres.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusComplete  Status = "COMPLETE"
	StatusError     Status = "ERROR"
	StatusCanceled  Status = "CANCELED"
	StatusCommitted Status = "COMMITTED"
	StatusAbandoned Status = "ABANDONED"
)

var predecessors = map[Status][]Status{
	StatusRunning:   {StatusPending},
	StatusComplete:  {StatusRunning},
	StatusError:     {StatusRunning},
	StatusCanceled:  {StatusPending, StatusRunning},
	StatusCommitted: {StatusComplete},
	StatusAbandoned: {StatusComplete},
}

// Predecessors returns the statuses a job may be in when moving to "to".
// PENDING has no predecessors.
func Predecessors(to Status) []Status {
	out := make([]Status, len(predecessors[to]))
	copy(out, predecessors[to])
	return out
}

// CanTransition reports whether from→to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, p := range predecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

// Terminal reports whether the status has no outgoing edges.
func (s Status) Terminal() bool {
	switch s {
	case StatusError, StatusCanceled, StatusCommitted, StatusAbandoned:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusComplete, StatusError, StatusCanceled, StatusCommitted, StatusAbandoned:
		return true
	}
	return false
}

// HoldsResult reports whether a job in this status may carry a result.
func (s Status) HoldsResult() bool {
	return s == StatusComplete || s == StatusCommitted || s == StatusAbandoned
}
