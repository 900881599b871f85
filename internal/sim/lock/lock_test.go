package lock

import (
	"math/rand"
	"testing"
)

type op struct {
	claim     bool
	node      NodeID
	requester string
}

// queueLink buffers operations until the test host flushes them, like a network hop.
type queueLink struct {
	ops  []op
	drop map[NodeID]bool
}

func (l *queueLink) Claim(node NodeID, requester string) {
	if l.drop[node] {
		return
	}
	l.ops = append(l.ops, op{claim: true, node: node, requester: requester})
}

func (l *queueLink) Release(node NodeID, requester string) {
	l.ops = append(l.ops, op{node: node, requester: requester})
}

type testHost struct {
	arb    *Arbiter
	links  []*queueLink
	coords []*Coordinator
}

func newTestHost(peers int) *testHost {
	h := &testHost{arb: NewArbiter()}
	for i := 0; i < peers; i++ {
		l := &queueLink{drop: map[NodeID]bool{}}
		h.links = append(h.links, l)
		h.coords = append(h.coords, NewCoordinator(l, 5))
	}
	return h
}

// flush applies every queued op in link order and broadcasts the verdicts to all peers.
func (h *testHost) flush(tick uint64) {
	for _, l := range h.links {
		ops := l.ops
		l.ops = nil
		for _, o := range ops {
			var ev Event
			var ok bool
			if o.claim {
				ev, ok = h.arb.Claim(o.node, o.requester, tick), true
			} else {
				ev, ok = h.arb.Release(o.node, o.requester, tick)
			}
			if !ok {
				continue
			}
			for _, c := range h.coords {
				c.Deliver(ev)
			}
		}
	}
}

func TestCoordinator_RequestPollRelease(t *testing.T) {
	h := newTestHost(1)
	c := h.coords[0]
	if !c.RequestLock("N1", "A", 0) {
		t.Fatalf("expected request to start")
	}
	if st := c.Poll("N1", 0); st != Requested {
		t.Fatalf("expected Requested before host answers, got %v", st)
	}
	h.flush(1)
	if st := c.Poll("N1", 1); st != Held || !c.IsHeld("N1", "A") {
		t.Fatalf("expected Held by A, got %v", st)
	}
	c.ReleaseLock("N1", "A")
	if c.IsHeld("N1", "A") {
		t.Fatalf("expected released")
	}
	h.flush(2)
	c.Poll("N1", 2)
	if _, ok := h.arb.Holder("N1"); ok {
		t.Fatalf("host still holds N1")
	}
}

func TestCoordinator_RequestIsIdempotent(t *testing.T) {
	h := newTestHost(1)
	c := h.coords[0]
	c.RequestLock("N1", "A", 0)
	if !c.RequestLock("N1", "A", 0) {
		t.Fatalf("second request by same requester should be a no-op success")
	}
	if len(h.links[0].ops) != 1 {
		t.Fatalf("expected one claim on the wire, got %d", len(h.links[0].ops))
	}
	if c.RequestLock("N1", "B", 0) {
		t.Fatalf("another requester must not piggyback on A's claim")
	}
}

func TestCoordinator_ReleaseNotHeldPanics(t *testing.T) {
	c := NewCoordinator(&queueLink{}, 5)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	c.ReleaseLock("N1", "A")
}

func TestCoordinator_RequestedExpires(t *testing.T) {
	link := &queueLink{drop: map[NodeID]bool{"N1": true}}
	c := NewCoordinator(link, 3)
	c.RequestLock("N1", "A", 10)
	for tick := uint64(10); tick < 13; tick++ {
		if st := c.Poll("N1", tick); st != Requested {
			t.Fatalf("tick %d: expected Requested, got %v", tick, st)
		}
	}
	if st := c.Poll("N1", 13); st != Unlocked {
		t.Fatalf("expected claim to expire, got %v", st)
	}
	if len(link.ops) != 1 || link.ops[0].claim {
		t.Fatalf("expected a cancelling release on the wire, got %+v", link.ops)
	}
}

func TestCoordinator_LateGrantAfterExpiryIsIgnored(t *testing.T) {
	h := newTestHost(1)
	c := h.coords[0]
	c.RequestLock("N1", "A", 0)
	// Host is slow: the claim expires locally first.
	c.Poll("N1", 5)
	h.flush(6)
	if st := c.Poll("N1", 6); st != Unlocked {
		t.Fatalf("expected Unlocked after grant+release, got %v", st)
	}
	if _, ok := h.arb.Holder("N1"); ok {
		t.Fatalf("host should have processed the cancelling release")
	}
}

func TestCoordinator_FirstClaimWins(t *testing.T) {
	h := newTestHost(2)
	a, b := h.coords[0], h.coords[1]
	a.RequestLock("N1", "A", 0)
	b.RequestLock("N1", "B", 0)
	h.flush(1)
	a.Poll("N1", 1)
	b.Poll("N1", 1)
	if !a.IsHeld("N1", "A") {
		t.Fatalf("A claimed first and should hold")
	}
	if b.IsHeld("N1", "B") {
		t.Fatalf("B must not hold")
	}
	if st, owner := b.State("N1"); st != Held || owner != "A" {
		t.Fatalf("B's replica should see A holding, got %v %q", st, owner)
	}
	a.ReleaseLock("N1", "A")
	h.flush(2)
	b.Poll("N1", 2)
	if st, _ := b.State("N1"); st != Unlocked {
		t.Fatalf("release should propagate to B, got %v", st)
	}
	if !b.RequestLock("N1", "B", 2) {
		t.Fatalf("B should be able to retry")
	}
	h.flush(3)
	b.Poll("N1", 3)
	if !b.IsHeld("N1", "B") {
		t.Fatalf("B should hold after retry")
	}
}

func TestCoordinator_AtMostOneHolderRandomized(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	h := newTestHost(3)
	names := []string{"A", "B", "C"}
	nodes := []NodeID{"N1", "N2"}
	for tick := uint64(0); tick < 400; tick++ {
		for i, c := range h.coords {
			n := nodes[r.Intn(len(nodes))]
			switch r.Intn(3) {
			case 0:
				c.RequestLock(n, names[i], tick)
			case 1:
				if c.IsHeld(n, names[i]) {
					c.ReleaseLock(n, names[i])
				}
			}
		}
		if r.Intn(2) == 0 {
			h.flush(tick)
		}
		for _, c := range h.coords {
			c.PollAll(tick)
		}
		for _, n := range nodes {
			holders := 0
			for i, c := range h.coords {
				if c.IsHeld(n, names[i]) {
					holders++
				}
			}
			if holders > 1 {
				t.Fatalf("tick %d: %s held by %d requesters", tick, n, holders)
			}
		}
	}
}

func TestAcquisition_AllGranted(t *testing.T) {
	h := newTestHost(1)
	c := h.coords[0]
	acq := Acquire(c, "A", []NodeID{"N1", "N2"}, 0, 10)
	if st := acq.Step(0); st != Pending {
		t.Fatalf("expected Pending, got %v", st)
	}
	h.flush(1)
	if st := acq.Step(1); st != Acquired {
		t.Fatalf("expected Acquired, got %v", st)
	}
	acq.Release()
	h.flush(2)
	c.PollAll(2)
	for _, n := range []NodeID{"N1", "N2"} {
		if st, _ := c.State(n); st != Unlocked {
			t.Fatalf("%s: expected Unlocked after release, got %v", n, st)
		}
		if _, ok := h.arb.Holder(n); ok {
			t.Fatalf("%s: host still holds", n)
		}
	}
}

func TestAcquisition_TimeoutReleasesEverything(t *testing.T) {
	h := newTestHost(1)
	h.links[0].drop["N2"] = true
	c := h.coords[0]
	acq := Acquire(c, "A", []NodeID{"N1", "N2"}, 0, 4)
	var st Status
	for tick := uint64(1); tick <= 4; tick++ {
		h.flush(tick)
		st = acq.Step(tick)
	}
	if st != Failed {
		t.Fatalf("expected Failed, got %v", st)
	}
	for _, n := range []NodeID{"N1", "N2"} {
		if s, _ := c.State(n); s != Unlocked {
			t.Fatalf("%s: expected Unlocked after timeout, got %v", n, s)
		}
	}
	h.flush(5)
	c.PollAll(5)
	if _, ok := h.arb.Holder("N1"); ok {
		t.Fatalf("partial lock on N1 leaked at the host")
	}
}

func TestAcquisition_WaitsForOtherHolder(t *testing.T) {
	h := newTestHost(2)
	a, b := h.coords[0], h.coords[1]
	b.RequestLock("N1", "B", 0)
	h.flush(0)
	a.PollAll(0)
	b.PollAll(0)

	acq := Acquire(a, "A", []NodeID{"N1"}, 0, 10)
	if st := acq.Step(1); st != Pending {
		t.Fatalf("expected Pending while B holds, got %v", st)
	}
	b.ReleaseLock("N1", "B")
	h.flush(2)
	acq.Step(2) // sees the release, re-requests
	h.flush(3)
	if st := acq.Step(3); st != Acquired {
		t.Fatalf("expected Acquired after B released, got %v", st)
	}
}

func TestAcquisition_KeepsPreHeldLocks(t *testing.T) {
	h := newTestHost(1)
	c := h.coords[0]
	c.RequestLock("N1", "A", 0)
	h.flush(0)
	c.Poll("N1", 0)

	acq := Acquire(c, "A", []NodeID{"N1", "N2"}, 1, 10)
	h.flush(1)
	if st := acq.Step(1); st != Acquired {
		t.Fatalf("expected Acquired, got %v", st)
	}
	acq.Release()
	if !c.IsHeld("N1", "A") {
		t.Fatalf("lock held before the acquisition must survive its release")
	}
	if c.IsHeld("N2", "A") {
		t.Fatalf("N2 should be released")
	}
}

func TestAcquisition_EmptySetSucceeds(t *testing.T) {
	acq := Acquire(NewCoordinator(&queueLink{}, 5), "A", nil, 0, 3)
	if st := acq.Step(0); st != Acquired {
		t.Fatalf("expected Acquired, got %v", st)
	}
}

func TestArbiter_ReleaseAllAndSnapshot(t *testing.T) {
	arb := NewArbiter()
	arb.Claim("N2", "A", 0)
	arb.Claim("N1", "A", 0)
	arb.Claim("N3", "B", 0)
	if ev := arb.Claim("N3", "A", 0); ev.Verdict != Denied || ev.Holder != "B" {
		t.Fatalf("expected denial naming B, got %+v", ev)
	}
	if snap := arb.Snapshot(1); len(snap) != 3 || snap[0].Node != "N1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	evs := arb.ReleaseAll("A", 2)
	if len(evs) != 2 || evs[0].Node != "N1" || evs[1].Node != "N2" {
		t.Fatalf("unexpected release events: %+v", evs)
	}
	if _, ok := arb.Release("N3", "A", 3); ok {
		t.Fatalf("A cannot release B's lock")
	}
}
