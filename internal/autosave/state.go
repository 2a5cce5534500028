package autosave

import (
	"filing-workflow/internal/common/errors"
	"filing-workflow/internal/models"
)

type EventKind int

const (
	EventEdit EventKind = iota
	EventConfirm
	EventRevert
)

func (k EventKind) String() string {
	switch k {
	case EventEdit:
		return "edit"
	case EventConfirm:
		return "confirm"
	case EventRevert:
		return "revert"
	default:
		return "unknown"
	}
}

// Change is one field value tagged with the sequence number of the edit
// that produced it.
type Change struct {
	Path  string
	Value models.Value
	Seq   uint64
}

type Event struct {
	Kind    EventKind
	Changes []Change
	// Err is set on EventRevert.
	Err error
	// Version is the persisted section version on EventConfirm.
	Version int64
}

// State is the client-facing view of one section: values the server has
// acknowledged and values still in flight.
type State struct {
	Confirmed map[string]models.Value `json:"confirmed"`
	Pending   map[string]models.Value `json:"pending"`
	Version   int64                   `json:"version,omitempty"`
	LastError *errors.StandardError   `json:"lastError,omitempty"`

	seqs      map[string]uint64
	confirmed map[string]stamp
}

// stamp records which write produced a confirmed value.
type stamp struct {
	version int64
	seq     uint64
}

// supersedes reports whether a confirm stamped s is at least as new as prev.
// Section versions follow store commit order, so they decide when both are
// known. Edit sequence numbers decide otherwise.
func (s stamp) supersedes(prev stamp) bool {
	if s.version != 0 && prev.version != 0 {
		return s.version >= prev.version
	}
	return s.seq >= prev.seq
}

func NewState() State {
	return State{
		Confirmed: map[string]models.Value{},
		Pending:   map[string]models.Value{},
		seqs:      map[string]uint64{},
		confirmed: map[string]stamp{},
	}
}

// Reduce returns the state that follows ev. s is not modified.
//
// A confirm or revert only clears a pending path when it carries the
// sequence number of the latest edit to that path, so an older flush
// finishing late never hides a newer keystroke. A confirm older than the one
// already applied to a path leaves that path's confirmed value alone.
func Reduce(s State, ev Event) State {
	next := s.clone()
	switch ev.Kind {
	case EventEdit:
		for _, c := range ev.Changes {
			next.Pending[c.Path] = c.Value.Clone()
			next.seqs[c.Path] = c.Seq
		}
	case EventConfirm:
		for _, c := range ev.Changes {
			st := stamp{version: ev.Version, seq: c.Seq}
			if prev, ok := next.confirmed[c.Path]; !ok || st.supersedes(prev) {
				next.Confirmed[c.Path] = c.Value.Clone()
				next.confirmed[c.Path] = st
			}
			next.settle(c)
		}
		if ev.Version > next.Version {
			next.Version = ev.Version
		}
		next.LastError = nil
	case EventRevert:
		for _, c := range ev.Changes {
			next.settle(c)
		}
		if ev.Err != nil {
			next.LastError = errors.Normalize(ev.Err)
		}
	}
	return next
}

func (s State) settle(c Change) {
	if s.seqs[c.Path] == c.Seq {
		delete(s.Pending, c.Path)
		delete(s.seqs, c.Path)
	}
}

// View merges pending values over confirmed ones.
func (s State) View() map[string]models.Value {
	out := make(map[string]models.Value, len(s.Confirmed)+len(s.Pending))
	for k, v := range s.Confirmed {
		out[k] = v.Clone()
	}
	for k, v := range s.Pending {
		out[k] = v.Clone()
	}
	return out
}

func (s State) clone() State {
	next := NewState()
	for k, v := range s.Confirmed {
		next.Confirmed[k] = v
	}
	for k, v := range s.Pending {
		next.Pending[k] = v
	}
	for k, v := range s.seqs {
		next.seqs[k] = v
	}
	for k, v := range s.confirmed {
		next.confirmed[k] = v
	}
	next.Version = s.Version
	next.LastError = s.LastError
	return next
}
