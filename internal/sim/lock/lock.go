// Package lock implements cooperative per-node mutual exclusion arbitrated by the authoritative
// host. Nothing here blocks: callers request, then poll once per tick.
package lock

import "fmt"

type NodeID string

type State int

const (
	Unlocked State = iota
	Requested
	Held
)

func (s State) String() string {
	switch s {
	case Requested:
		return "REQUESTED"
	case Held:
		return "HELD"
	}
	return "UNLOCKED"
}

type Verdict int

const (
	Granted Verdict = iota + 1
	Denied
	Released
)

func (v Verdict) String() string {
	switch v {
	case Granted:
		return "GRANTED"
	case Denied:
		return "DENIED"
	case Released:
		return "RELEASED"
	}
	return fmt.Sprintf("VERDICT(%d)", int(v))
}

func ParseVerdict(s string) (Verdict, error) {
	switch s {
	case "GRANTED":
		return Granted, nil
	case "DENIED":
		return Denied, nil
	case "RELEASED":
		return Released, nil
	}
	return 0, fmt.Errorf("unknown verdict %q", s)
}

// Event is the host's decision about one claim or release, broadcast to every participant.
// Requester is the participant the verdict concerns; Holder is the owner after the decision.
type Event struct {
	Node      NodeID
	Verdict   Verdict
	Requester string
	Holder    string
	Tick      uint64
}

// Link carries claims and releases to the host. Implementations must preserve call order.
type Link interface {
	Claim(node NodeID, requester string)
	Release(node NodeID, requester string)
}
