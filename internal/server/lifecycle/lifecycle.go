// Package lifecycle defines the upload status machine.
//
//	PENDING -> UPLOADED -> SCANNING -> PROCESSING -> COMPLETED
//	                                 \-> QUARANTINED
//
// FAILED is reachable from every non-terminal status. COMPLETED, QUARANTINED
// and FAILED are terminal.
package lifecycle

import "fmt"

// Status is the lifecycle state of an upload record.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusUploaded    Status = "UPLOADED"
	StatusScanning    Status = "SCANNING"
	StatusProcessing  Status = "PROCESSING"
	StatusQuarantined Status = "QUARANTINED"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
)

// All lists every status in lifecycle order.
var All = []Status{
	StatusPending,
	StatusUploaded,
	StatusScanning,
	StatusProcessing,
	StatusQuarantined,
	StatusCompleted,
	StatusFailed,
}

// validTransitions maps a current status to the set of statuses it may move to.
// UPLOADED -> UPLOADED covers re-completion of an upload whose scan never started.
var validTransitions = map[Status]map[Status]bool{
	StatusPending:     {StatusUploaded: true, StatusFailed: true},
	StatusUploaded:    {StatusUploaded: true, StatusScanning: true, StatusFailed: true},
	StatusScanning:    {StatusProcessing: true, StatusQuarantined: true, StatusFailed: true},
	StatusProcessing:  {StatusCompleted: true, StatusFailed: true},
	StatusQuarantined: {},
	StatusCompleted:   {},
	StatusFailed:      {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s.Valid() && len(validTransitions[s]) == 0
}

func (s Status) String() string {
	return string(s)
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// Sources returns every status that may transition into to.
// The repository uses it as the guard set of a compare-and-swap update.
func Sources(to Status) []Status {
	var out []Status
	for _, from := range All {
		if validTransitions[from][to] {
			out = append(out, from)
		}
	}
	return out
}

// Check returns a *TransitionError when from -> to is not allowed.
func Check(from, to Status) error {
	if !from.Valid() || !to.Valid() || !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// Parse converts a stored string into a Status.
func Parse(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown upload status %q", s)
	}
	return st, nil
}

// TransitionError reports a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}
