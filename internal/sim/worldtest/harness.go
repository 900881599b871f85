// Package worldtest drives a world through its exported API only, one tick at a time.
package worldtest

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"stashcraft.ai/internal/persistence/snapshot"
	"stashcraft.ai/internal/protocol"
	"stashcraft.ai/internal/sim/catalogs"
	"stashcraft.ai/internal/sim/model"
	"stashcraft.ai/internal/sim/tuning"
	"stashcraft.ai/internal/sim/world"
)

// Harness is a black-box test helper:
// - Join/Leave/Lock/Act each run one StepOnce
// - every participant's Out and Locks lanes are drained after each step and sorted by message type
// - audit entries are recorded in memory
type Harness struct {
	T    *testing.T
	Cats *catalogs.Catalogs
	W    *world.World

	Audit *AuditRecorder

	sessions map[string]*session
}

type session struct {
	PID   string
	SID   string
	Out   chan []byte
	Locks chan []byte

	Results     []protocol.ResultMsg
	LockEvents  []protocol.LockEventMsg
	NodeConfigs []protocol.NodeConfigMsg
	State       protocol.StateMsg
}

type AuditRecorder struct {
	mu      sync.Mutex
	Entries []world.AuditEntry
}

func (r *AuditRecorder) WriteAudit(e world.AuditEntry) error {
	r.mu.Lock()
	r.Entries = append(r.Entries, e)
	r.mu.Unlock()
	return nil
}

// Find returns the recorded entries with the given actor and action.
func (r *AuditRecorder) Find(actor, action string) []world.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []world.AuditEntry
	for _, e := range r.Entries {
		if e.Actor == actor && e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// DefaultConfig is the repo tuning with a short lock budget and no starter items.
func DefaultConfig(t *testing.T) world.WorldConfig {
	t.Helper()
	cfg, err := world.ConfigFromTuning("worldtest", tuning.Defaults())
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.InventorySlots = 9
	cfg.LockRequestTicks = 10
	cfg.CraftLockTimeoutTicks = 10
	cfg.StarterItems = nil
	return cfg
}

func LoadCatalogs(t *testing.T) *catalogs.Catalogs {
	t.Helper()
	cats, err := catalogs.Load(filepath.Join("..", "..", "..", "configs"))
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	return cats
}

func NewHarness(t *testing.T, cfg world.WorldConfig) *Harness {
	t.Helper()
	cats := LoadCatalogs(t)
	w, err := world.New(cfg, cats)
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	return NewHarnessWithWorld(t, w, cats)
}

// NewHarnessWithWorld wraps an already-built world, e.g. one restored from a snapshot.
func NewHarnessWithWorld(t *testing.T, w *world.World, cats *catalogs.Catalogs) *Harness {
	t.Helper()
	h := &Harness{T: t, Cats: cats, W: w, Audit: &AuditRecorder{}, sessions: map[string]*session{}}
	w.SetAuditLogger(h.Audit)
	return h
}

// Join connects a participant and returns its id.
func (h *Harness) Join(name string) string {
	h.T.Helper()
	out, locks := make(chan []byte, 512), make(chan []byte, 512)
	resp := make(chan world.JoinResponse, 1)
	h.W.StepOnce([]world.JoinRequest{{Name: name, Out: out, Locks: locks, Resp: resp}}, nil, nil, nil)
	jr := <-resp
	if jr.Code != "" {
		h.T.Fatalf("join %s refused: %s %s", name, jr.Code, jr.Message)
	}
	s := &session{PID: jr.Welcome.ParticipantID, SID: jr.Welcome.SessionID, Out: out, Locks: locks}
	h.sessions[s.PID] = s
	h.drain()
	return s.PID
}

func (h *Harness) Leave(pid string) {
	h.T.Helper()
	s := h.session(pid)
	h.W.StepOnce(nil, []string{s.SID}, nil, nil)
	delete(h.sessions, pid)
	h.drain()
}

// Lock sends a CLAIM or RELEASE on behalf of pid.
func (h *Harness) Lock(pid, op, nodeID string) {
	h.T.Helper()
	s := h.session(pid)
	h.W.StepOnce(nil, nil, []world.LockRequest{{SessionID: s.SID, Op: op, NodeID: nodeID}}, nil)
	h.drain()
}

// Act submits one ACT for pid and returns the RESULTs it produced this tick.
func (h *Harness) Act(pid string, intents ...protocol.Intent) []protocol.ResultMsg {
	h.T.Helper()
	s := h.session(pid)
	before := len(s.Results)
	h.W.StepOnce(nil, nil, nil, []world.ActionEnvelope{{
		SessionID: s.SID,
		Act:       protocol.ActMsg{Type: protocol.TypeAct, ProtocolVersion: protocol.Version, ID: "A", Intents: intents},
	}})
	h.drain()
	return append([]protocol.ResultMsg(nil), s.Results[before:]...)
}

func (h *Harness) Step() {
	h.W.StepOnce(nil, nil, nil, nil)
	h.drain()
}

// StepUntilResult steps until pid has a RESULT for ref, at most n ticks.
func (h *Harness) StepUntilResult(pid, ref string, n int) (protocol.ResultMsg, bool) {
	h.T.Helper()
	for i := 0; i <= n; i++ {
		if r, ok := h.Result(pid, ref); ok {
			return r, true
		}
		h.Step()
	}
	return protocol.ResultMsg{}, false
}

func (h *Harness) Result(pid, ref string) (protocol.ResultMsg, bool) {
	for _, r := range h.session(pid).Results {
		if r.Ref == ref {
			return r, true
		}
	}
	return protocol.ResultMsg{}, false
}

func (h *Harness) LockEvents(pid string) []protocol.LockEventMsg { return h.session(pid).LockEvents }
func (h *Harness) NodeConfigs(pid string) []protocol.NodeConfigMsg {
	return h.session(pid).NodeConfigs
}
func (h *Harness) State(pid string) protocol.StateMsg { return h.session(pid).State }

// AddNode places a container whose configuration is given as unqualified tag keys.
func (h *Harness) AddNode(id, location string, capacity int, cfg map[string]string, items ...*model.Stack) {
	h.T.Helper()
	codec := model.TagCodec{Namespace: h.W.Config().TagNamespace}
	tags := map[string]string{}
	for k, v := range cfg {
		tags[codec.Key(k)] = v
	}
	nc, foreign, err := codec.DecodeContainer(tags)
	if err != nil {
		h.T.Fatalf("node %s: %v", id, err)
	}
	c := &model.Container{ID: id, Kind: "chest", Location: location, Pos: &model.Vec2{}, Capacity: capacity, Config: nc, Tags: foreign}
	for _, st := range items {
		c.Insert(st, true)
	}
	if err := h.W.AddContainer(c); err != nil {
		h.T.Fatalf("add %s: %v", id, err)
	}
}

func (h *Harness) Stack(item string, n int) *model.Stack {
	h.T.Helper()
	st, err := h.Cats.Items.Stack(item, n)
	if err != nil {
		h.T.Fatalf("stack: %v", err)
	}
	return st
}

// Snapshot exports at the last stepped tick, so an import resumes at the current tick.
func (h *Harness) Snapshot() snapshot.SnapshotV1 {
	cur := h.W.CurrentTick()
	if cur == 0 {
		return h.W.ExportSnapshot(0)
	}
	return h.W.ExportSnapshot(cur - 1)
}

// Node returns the exported form of one container.
func (h *Harness) Node(id string) snapshot.ContainerV1 {
	h.T.Helper()
	for _, c := range h.Snapshot().Containers {
		if c.ID == id {
			return c
		}
	}
	h.T.Fatalf("no node %s", id)
	return snapshot.ContainerV1{}
}

// Count sums item across a node's slots.
func Count(c snapshot.ContainerV1, item string) int {
	n := 0
	for _, s := range c.Slots {
		if s.Item == item {
			n += s.Count
		}
	}
	return n
}

// Inventory sums item in pid's last STATE.
func (h *Harness) Inventory(pid, item string) int {
	n := 0
	for _, s := range h.State(pid).Inventory {
		if s.Item == item {
			n += s.Count
		}
	}
	return n
}

// Give puts items straight into pid's inventory through a snapshot round trip.
func (h *Harness) Give(pid string, stacks ...*model.Stack) {
	h.T.Helper()
	snap := h.Snapshot()
	found := false
	for i := range snap.Participants {
		p := &snap.Participants[i]
		if p.ID != pid {
			continue
		}
		found = true
		used := map[int]bool{}
		for _, s := range p.Inventory {
			used[s.Slot] = true
		}
		next := 0
		for _, st := range stacks {
			for used[next] {
				next++
			}
			if next >= p.Slots {
				h.T.Fatalf("inventory of %s full", pid)
			}
			p.Inventory = append(p.Inventory, snapshot.StackV1{Slot: next, Item: st.Item, Count: st.Count})
			used[next] = true
		}
	}
	if !found {
		h.T.Fatalf("no participant %s", pid)
	}
	h.reimport(snap)
}

func (h *Harness) reimport(snap snapshot.SnapshotV1) {
	h.T.Helper()
	sessions := h.sessions
	if err := h.W.ImportSnapshot(snap); err != nil {
		h.T.Fatalf("import: %v", err)
	}
	// Sessions do not survive an import; reconnect everyone under the same participant id.
	h.sessions = map[string]*session{}
	for pid := range sessions {
		h.rejoin(pid)
	}
}

func (h *Harness) rejoin(pid string) {
	h.T.Helper()
	out, locks := make(chan []byte, 512), make(chan []byte, 512)
	resp := make(chan world.JoinResponse, 1)
	h.W.StepOnce([]world.JoinRequest{{Name: pid, Subject: pid, Out: out, Locks: locks, Resp: resp}}, nil, nil, nil)
	jr := <-resp
	if jr.Code != "" {
		h.T.Fatalf("rejoin %s: %s %s", pid, jr.Code, jr.Message)
	}
	h.sessions[pid] = &session{PID: pid, SID: jr.Welcome.SessionID, Out: out, Locks: locks}
	h.drain()
}

func (h *Harness) session(pid string) *session {
	h.T.Helper()
	s := h.sessions[pid]
	if s == nil {
		h.T.Fatalf("unknown participant %q", pid)
	}
	return s
}

func (h *Harness) drain() {
	h.T.Helper()
	for _, s := range h.sessions {
		for _, lane := range []chan []byte{s.Locks, s.Out} {
			for {
				var b []byte
				select {
				case b = <-lane:
				default:
				}
				if b == nil {
					break
				}
				h.route(s, b)
			}
		}
	}
}

func (h *Harness) route(s *session, b []byte) {
	h.T.Helper()
	base, err := protocol.DecodeBase(b)
	if err != nil {
		h.T.Fatalf("bad message: %v", err)
	}
	switch base.Type {
	case protocol.TypeResult:
		var m protocol.ResultMsg
		h.decode(b, &m)
		s.Results = append(s.Results, m)
	case protocol.TypeLockEvent:
		var m protocol.LockEventMsg
		h.decode(b, &m)
		s.LockEvents = append(s.LockEvents, m)
	case protocol.TypeNodeConfig:
		var m protocol.NodeConfigMsg
		h.decode(b, &m)
		s.NodeConfigs = append(s.NodeConfigs, m)
	case protocol.TypeState:
		h.decode(b, &s.State)
	}
}

func (h *Harness) decode(b []byte, v any) {
	h.T.Helper()
	if err := json.Unmarshal(b, v); err != nil {
		h.T.Fatalf("unmarshal: %v", err)
	}
}
