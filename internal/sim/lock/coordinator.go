package lock

import (
	"fmt"
	"sort"
)

type entry struct {
	state       State
	owner       string
	requestedAt uint64
}

// Coordinator is one process's replica of the host's lock table plus its own pending claims.
// It is not safe for concurrent use; drive it from the tick loop.
type Coordinator struct {
	link Link

	// requestTicks bounds how long a claim may stay Requested before it is abandoned.
	requestTicks uint64

	nodes   map[NodeID]*entry
	pending map[NodeID][]Event

	// abandoned remembers claims given up before the host answered, so a late grant is not
	// mistaken for a live lock. Cleared by the matching Denied or Released.
	abandoned map[NodeID]map[string]bool
}

func NewCoordinator(link Link, requestTicks uint64) *Coordinator {
	if requestTicks == 0 {
		requestTicks = 20
	}
	return &Coordinator{
		link:         link,
		requestTicks: requestTicks,
		nodes:        map[NodeID]*entry{},
		pending:      map[NodeID][]Event{},
		abandoned:    map[NodeID]map[string]bool{},
	}
}

// Deliver queues a host verdict; it takes effect on the node's next Poll.
func (c *Coordinator) Deliver(ev Event) {
	c.pending[ev.Node] = append(c.pending[ev.Node], ev)
}

func (c *Coordinator) entry(node NodeID) *entry {
	e := c.nodes[node]
	if e == nil {
		e = &entry{}
		c.nodes[node] = e
	}
	return e
}

// RequestLock claims node for requester. It returns true when the claim is in flight or already
// held by requester, false when another requester owns or is claiming the node.
func (c *Coordinator) RequestLock(node NodeID, requester string, tick uint64) bool {
	e := c.entry(node)
	switch e.state {
	case Unlocked:
		e.state = Requested
		e.owner = requester
		e.requestedAt = tick
		c.link.Claim(node, requester)
		return true
	default:
		return e.owner == requester
	}
}

// Poll applies queued verdicts for node and expires a stale claim.
func (c *Coordinator) Poll(node NodeID, tick uint64) State {
	e := c.entry(node)
	evs := c.pending[node]
	delete(c.pending, node)
	for _, ev := range evs {
		switch ev.Verdict {
		case Granted:
			if c.abandoned[node][ev.Requester] {
				continue
			}
			e.state = Held
			e.owner = ev.Requester
		case Denied:
			c.clearAbandoned(node, ev.Requester)
			if e.state == Requested && e.owner == ev.Requester {
				e.state = Unlocked
				e.owner = ""
			}
		case Released:
			c.clearAbandoned(node, ev.Requester)
			if e.state == Held && e.owner == ev.Requester {
				e.state = Unlocked
				e.owner = ""
			}
		}
	}
	if e.state == Requested && tick >= e.requestedAt+c.requestTicks {
		c.abandon(node, e)
	}
	return e.state
}

// PollAll polls every node with a pending or held lock, and every node with queued verdicts.
func (c *Coordinator) PollAll(tick uint64) {
	for _, node := range c.Tracked() {
		c.Poll(node, tick)
	}
}

// Tracked lists nodes with a non-Unlocked state or undelivered verdicts, in id order.
func (c *Coordinator) Tracked() []NodeID {
	seen := map[NodeID]bool{}
	for id, e := range c.nodes {
		if e.state != Unlocked {
			seen[id] = true
		}
	}
	for id := range c.pending {
		seen[id] = true
	}
	out := make([]NodeID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ReleaseLock gives up a held lock. Releasing a lock the requester does not hold is a bug.
func (c *Coordinator) ReleaseLock(node NodeID, requester string) {
	e := c.nodes[node]
	if e == nil || e.state != Held || e.owner != requester {
		panic(fmt.Sprintf("lock: release of %s by %q which does not hold it", node, requester))
	}
	e.state = Unlocked
	e.owner = ""
	c.link.Release(node, requester)
}

// Cancel abandons requester's claim on node whether it is still Requested or already Held.
func (c *Coordinator) Cancel(node NodeID, requester string) {
	e := c.nodes[node]
	if e == nil || e.owner != requester {
		return
	}
	switch e.state {
	case Requested:
		c.abandon(node, e)
	case Held:
		c.ReleaseLock(node, requester)
	}
}

func (c *Coordinator) IsHeld(node NodeID, requester string) bool {
	e := c.nodes[node]
	return e != nil && e.state == Held && e.owner == requester
}

// State reports the local view of node without applying queued verdicts.
func (c *Coordinator) State(node NodeID) (State, string) {
	e := c.nodes[node]
	if e == nil {
		return Unlocked, ""
	}
	return e.state, e.owner
}

// HeldByOther reports whether someone other than requester holds or is claiming node.
func (c *Coordinator) HeldByOther(node NodeID, requester string) bool {
	e := c.nodes[node]
	return e != nil && e.state != Unlocked && e.owner != requester
}

func (c *Coordinator) abandon(node NodeID, e *entry) {
	m := c.abandoned[node]
	if m == nil {
		m = map[string]bool{}
		c.abandoned[node] = m
	}
	m[e.owner] = true
	c.link.Release(node, e.owner)
	e.state = Unlocked
	e.owner = ""
}

func (c *Coordinator) clearAbandoned(node NodeID, requester string) {
	m := c.abandoned[node]
	if m == nil {
		return
	}
	delete(m, requester)
	if len(m) == 0 {
		delete(c.abandoned, node)
	}
}
