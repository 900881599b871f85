package world

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"stashcraft.ai/internal/protocol"
	"stashcraft.ai/internal/sim/distribution"
	"stashcraft.ai/internal/sim/eligibility"
	"stashcraft.ai/internal/sim/model"
)

// Participant outlives its sessions: an authenticated participant that reconnects gets its
// inventory and held containers back.
type Participant struct {
	ID       string
	Name     string
	Location string
	Pos      model.Vec2
	Inv      *model.Inventory
}

func (p *Participant) eligibility() eligibility.Participant {
	return eligibility.Participant{ID: p.ID, Location: p.Location, Pos: p.Pos}
}

type Session struct {
	ID    string
	P     *Participant
	Out   chan []byte
	Locks chan []byte

	craft *pendingCraft
}

type pendingCraft struct {
	ref string
	job *distribution.CraftJob
}

func (w *World) handleJoin(req JoinRequest, nowTick uint64) {
	resp := w.joinParticipant(req, nowTick)
	if req.Resp != nil {
		req.Resp <- resp
	}
}

func (w *World) joinParticipant(req JoinRequest, nowTick uint64) JoinResponse {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "participant"
	}

	var p *Participant
	if sub := strings.TrimSpace(req.Subject); sub != "" {
		p = w.participants[sub]
		if p != nil && w.sessionOf(p.ID) != nil {
			return JoinResponse{Code: protocol.ErrConflict, Message: fmt.Sprintf("participant %s already connected", sub)}
		}
		if p == nil {
			p = w.newParticipant(sub, name)
		}
	} else {
		id := fmt.Sprintf("P%d", w.nextParticipantNum.Add(1))
		for w.participants[id] != nil {
			id = fmt.Sprintf("P%d", w.nextParticipantNum.Add(1))
		}
		p = w.newParticipant(id, name)
	}

	s := &Session{ID: uuid.NewString(), P: p, Out: req.Out, Locks: req.Locks}
	w.sessions[s.ID] = s
	w.registry.InventoryChanged(p.ID)
	w.audit(nowTick, p.ID, "JOIN", AuditEntry{Reason: s.ID})

	full := w.nodeConfigMsg(nowTick, true, w.registry.AllNodes())
	for _, other := range w.sortedSessionList() {
		if other != s {
			w.send(other, full)
		}
	}

	var locks []protocol.LockEventMsg
	for _, ev := range w.arbiter.Snapshot(nowTick) {
		locks = append(locks, lockEventMsg(ev))
	}

	return JoinResponse{
		Welcome: protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			ParticipantID:   p.ID,
			SessionID:       s.ID,
			WorldParams: protocol.WorldParams{
				TickRateHz:            w.cfg.TickRateHz,
				DayTicks:              w.cfg.DayTicks,
				LockRequestTicks:      w.cfg.LockRequestTicks,
				CraftLockTimeoutTicks: w.cfg.CraftLockTimeoutTicks,
				TagSymbol:             w.registry.Defaults().TagSymbol,
				TagNamespace:          w.codec.Namespace,
			},
			Catalogs: protocol.CatalogDigests{
				ItemsDigest:   w.catalogs.Items.DefsDigest,
				RecipesDigest: w.catalogs.Recipes.Digest,
			},
		},
		NodeConfig: full,
		Locks:      locks,
	}
}

func (w *World) newParticipant(id, name string) *Participant {
	p := &Participant{
		ID:       id,
		Name:     name,
		Location: w.cfg.SpawnLocation,
		Inv:      model.NewInventory(id, w.cfg.InventorySlots),
	}
	for _, si := range w.cfg.StarterItems {
		st, err := w.catalogs.Items.Stack(si.Item, si.Count)
		if err != nil {
			continue
		}
		p.Inv.Insert(st)
	}
	w.participants[id] = p
	return p
}

func (w *World) handleLeave(sessionID string, nowTick uint64) {
	s := w.sessions[sessionID]
	if s == nil {
		return
	}
	delete(w.sessions, sessionID)
	if s.craft != nil {
		s.craft.job.Abort()
		s.craft = nil
	}
	for _, ev := range w.arbiter.ReleaseAll(s.P.ID, nowTick) {
		w.publishLock(ev)
	}
	w.audit(nowTick, s.P.ID, "LEAVE", AuditEntry{Reason: sessionID})
}

func (w *World) sessionOf(participantID string) *Session {
	for _, s := range w.sessions {
		if s.P.ID == participantID {
			return s
		}
	}
	return nil
}

func (w *World) sortedSessionList() []*Session {
	out := make([]*Session, 0, len(w.sessions))
	for _, s := range w.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedSessions(set map[*Session]bool) []*Session {
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (w *World) send(s *Session, msg any) {
	if s == nil || s.Out == nil {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	sendLatest(s.Out, b)
}

func (w *World) broadcast(msg any) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for _, s := range w.sortedSessionList() {
		if s.Out != nil {
			sendLatest(s.Out, b)
		}
	}
}

// sendVerdict queues a lock verdict for every session. A session that cannot take it is
// disconnected.
func (w *World) sendVerdict(msg protocol.LockEventMsg) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	var behind []*Session
	for _, s := range w.sortedSessionList() {
		ch := s.Locks
		if ch == nil {
			ch = s.Out
		}
		if ch == nil {
			continue
		}
		select {
		case ch <- b:
		default:
			behind = append(behind, s)
		}
	}
	// Every session sees this verdict before any release caused by a disconnect.
	for _, s := range behind {
		w.disconnect(s, "lock lane full")
	}
}

// disconnect ends s and closes its channels so the transport drops the connection. The Leave
// the transport sends afterwards finds no session.
func (w *World) disconnect(s *Session, reason string) {
	if w.sessions[s.ID] != s {
		return
	}
	out, locks := s.Out, s.Locks
	s.Out, s.Locks = nil, nil
	nowTick := w.tick.Load()
	w.audit(nowTick, s.P.ID, "DISCONNECT", AuditEntry{Reason: reason})
	w.handleLeave(s.ID, nowTick)
	if out != nil {
		close(out)
	}
	if locks != nil {
		close(locks)
	}
}

// sendLatest never blocks the loop; a full client buffer loses its oldest message.
func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}

func (w *World) result(s *Session, ref, kind string, nowTick uint64, code, message string) {
	w.send(s, protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		Ref:             ref,
		Kind:            kind,
		OK:              code == "",
		Code:            code,
		Message:         message,
		Tick:            nowTick,
	})
}

func (w *World) sendState(s *Session, nowTick uint64) {
	p := s.P
	inv := make([]protocol.ItemStack, 0, len(p.Inv.Slots))
	for i, st := range p.Inv.Slots {
		if st == nil {
			continue
		}
		inv = append(inv, protocol.ItemStack{Slot: i, Item: st.Item, Count: st.Count, Locked: st.Locked})
	}
	w.send(s, protocol.StateMsg{
		Type:            protocol.TypeState,
		ProtocolVersion: protocol.Version,
		Tick:            nowTick,
		ParticipantID:   p.ID,
		Location:        p.Location,
		Pos:             [2]int{p.Pos.X, p.Pos.Y},
		Inventory:       inv,
	})
}
