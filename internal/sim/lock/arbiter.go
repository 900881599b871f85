package lock

import "sort"

// Arbiter is the host's authoritative lock table. Claims are linearized in the order the host
// applies them: the first claim on an unheld node wins.
type Arbiter struct {
	holders map[NodeID]string
}

func NewArbiter() *Arbiter {
	return &Arbiter{holders: map[NodeID]string{}}
}

func (a *Arbiter) Claim(node NodeID, requester string, tick uint64) Event {
	holder, held := a.holders[node]
	if !held || holder == requester {
		a.holders[node] = requester
		return Event{Node: node, Verdict: Granted, Requester: requester, Holder: requester, Tick: tick}
	}
	return Event{Node: node, Verdict: Denied, Requester: requester, Holder: holder, Tick: tick}
}

// Release frees node if requester holds it. A release for a claim that was denied or never made
// is ignored.
func (a *Arbiter) Release(node NodeID, requester string, tick uint64) (Event, bool) {
	if holder, ok := a.holders[node]; !ok || holder != requester {
		return Event{}, false
	}
	delete(a.holders, node)
	return Event{Node: node, Verdict: Released, Requester: requester, Tick: tick}, true
}

// ReleaseAll frees every node held by requester, e.g. when its session leaves.
func (a *Arbiter) ReleaseAll(requester string, tick uint64) []Event {
	var nodes []NodeID
	for node, holder := range a.holders {
		if holder == requester {
			nodes = append(nodes, node)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	out := make([]Event, 0, len(nodes))
	for _, node := range nodes {
		delete(a.holders, node)
		out = append(out, Event{Node: node, Verdict: Released, Requester: requester, Tick: tick})
	}
	return out
}

func (a *Arbiter) Holder(node NodeID) (string, bool) {
	h, ok := a.holders[node]
	return h, ok
}

// Snapshot returns a Granted event per held node, used to bring a joining peer up to date.
func (a *Arbiter) Snapshot(tick uint64) []Event {
	out := make([]Event, 0, len(a.holders))
	for node, holder := range a.holders {
		out = append(out, Event{Node: node, Verdict: Granted, Requester: holder, Holder: holder, Tick: tick})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

// Forget drops a node whose container no longer exists.
func (a *Arbiter) Forget(node NodeID, tick uint64) (Event, bool) {
	holder, ok := a.holders[node]
	if !ok {
		return Event{}, false
	}
	delete(a.holders, node)
	return Event{Node: node, Verdict: Released, Requester: holder, Tick: tick}, true
}
