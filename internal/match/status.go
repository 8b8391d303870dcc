package match

// Status is a match lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusMatched   Status = "matched"
	StatusScheduled Status = "scheduled"
	StatusCooked    Status = "cooked"
	StatusArchived  Status = "archived"
	StatusExpired   Status = "expired"
)

// transitions lists the allowed edges. Anything absent is rejected.
var transitions = map[Status][]Status{
	StatusPending:   {StatusMatched},
	StatusMatched:   {StatusScheduled, StatusArchived, StatusExpired},
	StatusScheduled: {StatusCooked, StatusMatched, StatusArchived},
	StatusCooked:    {StatusArchived},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusMatched, StatusScheduled, StatusCooked, StatusArchived, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusArchived || s == StatusExpired
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns every status that may move to `to`, used by stores to
// apply a transition as a single compare-and-swap.
func AllowedFrom(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusPending, StatusMatched, StatusScheduled, StatusCooked} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
