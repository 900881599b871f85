package lock

type Status int

const (
	Pending Status = iota
	Acquired
	Failed
)

func (s Status) String() string {
	switch s {
	case Acquired:
		return "ACQUIRED"
	case Failed:
		return "FAILED"
	}
	return "PENDING"
}

// Acquisition claims a set of nodes all-or-nothing. Every node is requested up front; the set
// is acquired only once every node is Held by the requester, and if the tick budget runs out
// first every claim made by this acquisition is abandoned.
type Acquisition struct {
	coord     *Coordinator
	requester string
	nodes     []NodeID
	started   uint64
	timeout   uint64
	status    Status

	// owned marks nodes this acquisition claimed itself; locks the requester already held
	// beforehand are left alone on release.
	owned map[NodeID]bool
}

func Acquire(coord *Coordinator, requester string, nodes []NodeID, tick, timeout uint64) *Acquisition {
	if timeout == 0 {
		timeout = 40
	}
	a := &Acquisition{
		coord:     coord,
		requester: requester,
		nodes:     append([]NodeID(nil), nodes...),
		started:   tick,
		timeout:   timeout,
		owned:     map[NodeID]bool{},
	}
	for _, n := range a.nodes {
		a.request(n, tick)
	}
	return a
}

func (a *Acquisition) request(node NodeID, tick uint64) {
	if st, owner := a.coord.State(node); st != Unlocked && owner == a.requester {
		return
	}
	if a.coord.RequestLock(node, a.requester, tick) {
		a.owned[node] = true
	}
}

// Step advances the acquisition by one tick.
func (a *Acquisition) Step(tick uint64) Status {
	if a.status != Pending {
		return a.status
	}
	all := true
	for _, n := range a.nodes {
		st := a.coord.Poll(n, tick)
		if st == Unlocked {
			// Lost a race or the claim expired; try again while the budget lasts.
			a.request(n, tick)
		}
		if !a.coord.IsHeld(n, a.requester) {
			all = false
		}
	}
	if all {
		a.status = Acquired
		return a.status
	}
	if tick >= a.started+a.timeout {
		a.abandon()
		a.status = Failed
	}
	return a.status
}

func (a *Acquisition) abandon() {
	for _, n := range a.nodes {
		if a.owned[n] {
			a.coord.Cancel(n, a.requester)
		}
	}
	a.owned = map[NodeID]bool{}
}

// Release gives back every lock this acquisition took. Safe to call more than once.
func (a *Acquisition) Release() {
	a.abandon()
}

func (a *Acquisition) Status() Status  { return a.status }
func (a *Acquisition) Nodes() []NodeID { return append([]NodeID(nil), a.nodes...) }
