package world

import (
	"errors"
	"fmt"
	"strings"

	"stashcraft.ai/internal/protocol"
	"stashcraft.ai/internal/sim/distribution"
	"stashcraft.ai/internal/sim/eligibility"
	"stashcraft.ai/internal/sim/model"
	"stashcraft.ai/internal/sim/storage"
)

func (w *World) applyAct(s *Session, act protocol.ActMsg, nowTick uint64) {
	for _, in := range act.Intents {
		code, msg := w.applyIntent(s, in, nowTick)
		if code == "" && msg == "" {
			continue
		}
		w.result(s, in.ID, in.Type, nowTick, code, msg)
	}
}

// applyIntent returns the RESULT to send; an empty code and message means the intent reports
// later (craft in progress) or already reported.
func (w *World) applyIntent(s *Session, in protocol.Intent, nowTick uint64) (code, msg string) {
	switch in.Type {
	case protocol.IntentMove:
		return w.doMove(s, in)
	case protocol.IntentStash:
		return w.doStash(s, nowTick)
	case protocol.IntentCraft:
		return w.doCraft(s, in, nowTick)
	case protocol.IntentSetConfig:
		return w.doSetConfig(s, in, nowTick)
	case protocol.IntentLockSlot:
		return w.doLockSlot(s, in)
	case protocol.IntentPlace:
		return w.doPlace(s, in, nowTick)
	case protocol.IntentPickup:
		return w.doPickup(s, in, nowTick)
	case protocol.IntentDestroy:
		return w.doDestroy(s, in, nowTick)
	}
	return protocol.ErrBadRequest, fmt.Sprintf("unknown intent type %q", in.Type)
}

func ok(msg string) (string, string) { return "", msg }

func (w *World) doMove(s *Session, in protocol.Intent) (string, string) {
	loc := strings.TrimSpace(in.Location)
	if loc == "" {
		return protocol.ErrBadRequest, "missing location"
	}
	s.P.Location = loc
	if in.Pos != nil {
		s.P.Pos = model.Vec2{X: in.Pos[0], Y: in.Pos[1]}
	}
	w.registry.LocationEntered(loc)
	return ok("moved")
}

func (w *World) doStash(s *Session, nowTick uint64) (string, string) {
	p := s.P
	var targets []*storage.Node
	for _, n := range w.resolver.Resolve(eligibility.OpStash, p.eligibility()) {
		if w.coord.HeldByOther(n.LockID(), p.ID) {
			continue
		}
		targets = append(targets, n)
	}
	if len(targets) == 0 {
		w.audit(nowTick, p.ID, "STASH", AuditEntry{Code: protocol.ErrNoTarget})
		return protocol.ErrNoTarget, distribution.ErrNoEligibleNodes.Error()
	}

	movable := 0
	for _, st := range p.Inv.Slots {
		if st != nil && !st.Locked {
			movable += st.Count
		}
	}
	res := distribution.Stash(p.Inv.Slots, targets)
	w.registry.InventoryChanged(p.ID)
	if !res.Sound {
		w.audit(nowTick, p.ID, "STASH", AuditEntry{Count: res.Moved, Code: protocol.ErrInternal, Reason: "conservation"})
		return protocol.ErrInternal, "stash lost items"
	}
	if res.Moved == 0 && movable > 0 {
		w.audit(nowTick, p.ID, "STASH", AuditEntry{Code: protocol.ErrNoSpace})
		return protocol.ErrNoSpace, "no eligible node accepted any item"
	}
	w.audit(nowTick, p.ID, "STASH", AuditEntry{Count: res.Moved})
	return ok(fmt.Sprintf("stashed %d", res.Moved))
}

func (w *World) recipe(id string) (distribution.Recipe, error) {
	def, found := w.catalogs.Recipes.ByID[id]
	if !found {
		return distribution.Recipe{}, fmt.Errorf("unknown recipe %q", id)
	}
	r := distribution.Recipe{ID: def.RecipeID}
	for _, in := range def.Inputs {
		r.Inputs = append(r.Inputs, distribution.Ingredient{Item: in.Item, Tag: in.Tag, Count: in.Count})
	}
	for _, out := range def.Outputs {
		st, err := w.catalogs.Items.Stack(out.Item, out.Count)
		if err != nil {
			return distribution.Recipe{}, fmt.Errorf("recipe %s: %w", id, err)
		}
		r.Outputs = append(r.Outputs, st)
	}
	return r, nil
}

func (w *World) doCraft(s *Session, in protocol.Intent, nowTick uint64) (string, string) {
	if s.craft != nil {
		return protocol.ErrBusy, "a craft is already in progress"
	}
	r, err := w.recipe(in.RecipeID)
	if err != nil {
		return protocol.ErrBadRequest, err.Error()
	}
	batch := in.Batch
	if batch == 0 {
		batch = 1
	}
	if batch < 0 {
		return protocol.ErrBadRequest, "batch must be positive"
	}
	p := s.P
	eligible := w.resolver.Resolve(eligibility.OpCraft, p.eligibility())
	job, err := distribution.TryCraft(w.coord, p.ID, r, batch, p.Inv, eligible, w.registry, nowTick, uint64(w.cfg.CraftLockTimeoutTicks))
	if err != nil {
		code := codeFor(err)
		w.audit(nowTick, p.ID, "CRAFT", AuditEntry{Item: r.ID, Count: batch, Code: code, Reason: err.Error()})
		return code, err.Error()
	}
	if job.Done() {
		w.finishCraft(s, in.ID, job, nowTick)
		return ok("")
	}
	s.craft = &pendingCraft{ref: in.ID, job: job}
	return ok("")
}

func (w *World) stepCrafts(nowTick uint64, touched map[*Session]bool) {
	for _, s := range w.sortedSessionList() {
		if s.craft == nil {
			continue
		}
		done, _ := s.craft.job.Step(nowTick)
		if !done {
			continue
		}
		pc := s.craft
		s.craft = nil
		w.finishCraft(s, pc.ref, pc.job, nowTick)
		touched[s] = true
	}
}

func (w *World) finishCraft(s *Session, ref string, job *distribution.CraftJob, nowTick uint64) {
	plan := job.Plan()
	if err := job.Err(); err != nil {
		code := codeFor(err)
		w.audit(nowTick, s.P.ID, "CRAFT", AuditEntry{Item: plan.Recipe.ID, Count: plan.Batch, Code: code, Reason: err.Error()})
		w.result(s, ref, protocol.IntentCraft, nowTick, code, err.Error())
		return
	}
	w.registry.InventoryChanged(s.P.ID)
	for item, n := range plan.Consumed() {
		w.audit(nowTick, s.P.ID, "CRAFT_CONSUME", AuditEntry{Item: item, Count: n, Reason: job.ID})
	}
	w.audit(nowTick, s.P.ID, "CRAFT", AuditEntry{Item: plan.Recipe.ID, Count: plan.Batch, Reason: job.ID})
	w.result(s, ref, protocol.IntentCraft, nowTick, "", fmt.Sprintf("crafted %s x%d", plan.Recipe.ID, plan.Batch))
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, distribution.ErrUnsatisfiable), errors.Is(err, distribution.ErrStaleNode):
		return protocol.ErrNoResource
	case errors.Is(err, distribution.ErrNoSpace):
		return protocol.ErrNoSpace
	case errors.Is(err, distribution.ErrLockTimeout):
		return protocol.ErrLockTimeout
	case errors.Is(err, distribution.ErrNoEligibleNodes):
		return protocol.ErrNoTarget
	}
	return protocol.ErrInternal
}

// nodeFor resolves a node the participant may touch: placed anywhere or held by the participant.
func (w *World) nodeFor(s *Session, id string) (*storage.Node, string, string) {
	n, found := w.registry.Lookup(id)
	if !found {
		return nil, protocol.ErrInvalidTarget, fmt.Sprintf("unknown node %q", id)
	}
	if h := n.HeldBy(); h != "" && h != s.P.ID {
		return nil, protocol.ErrNoPermission, "node is in another participant's inventory"
	}
	if w.coord.HeldByOther(n.LockID(), s.P.ID) {
		return nil, protocol.ErrConflict, "node is locked by another participant"
	}
	return n, "", ""
}

func (w *World) doSetConfig(s *Session, in protocol.Intent, nowTick uint64) (string, string) {
	n, code, msg := w.nodeFor(s, in.NodeID)
	if n == nil {
		return code, msg
	}
	c := n.Container()
	merged := w.codec.EncodeContainer(c)
	for k, v := range in.Config {
		key := k
		if !strings.Contains(k, "/") {
			key = w.codec.Key(k)
		}
		if v == "" {
			delete(merged, key)
			continue
		}
		merged[key] = v
	}
	cfg, foreign, err := w.codec.DecodeContainer(merged)
	if err != nil {
		return protocol.ErrBadRequest, err.Error()
	}
	c.Tags = foreign
	n.SetConfig(cfg)
	w.persistTags(c)
	w.broadcast(w.nodeConfigMsg(nowTick, false, []*storage.Node{n}))
	w.audit(nowTick, s.P.ID, "SET_CONFIG", AuditEntry{NodeID: n.ID()})
	return ok("configured")
}

func (w *World) doLockSlot(s *Session, in protocol.Intent) (string, string) {
	if in.Slot == nil {
		return protocol.ErrBadRequest, "missing slot"
	}
	i := *in.Slot
	if i < 0 || i >= len(s.P.Inv.Slots) || s.P.Inv.Slots[i] == nil {
		return protocol.ErrInvalidTarget, fmt.Sprintf("slot %d is empty", i)
	}
	s.P.Inv.Slots[i].Locked = in.Locked
	if in.Locked {
		return ok(fmt.Sprintf("slot %d locked", i))
	}
	return ok(fmt.Sprintf("slot %d unlocked", i))
}

func (w *World) doPickup(s *Session, in protocol.Intent, nowTick uint64) (string, string) {
	n, code, msg := w.nodeFor(s, in.NodeID)
	if n == nil {
		return code, msg
	}
	c := n.Container()
	if !c.Placed() {
		return protocol.ErrInvalidTarget, "node is not placed"
	}
	if c.Location != s.P.Location {
		return protocol.ErrInvalidTarget, "node is in another location"
	}
	c.HeldBy = s.P.ID
	c.Location = ""
	c.Pos = nil
	w.registry.ContainersChanged()
	w.broadcast(w.nodeConfigMsg(nowTick, false, []*storage.Node{n}))
	w.audit(nowTick, s.P.ID, "PICKUP", AuditEntry{NodeID: n.ID()})
	return ok("picked up " + n.ID())
}

func (w *World) doPlace(s *Session, in protocol.Intent, nowTick uint64) (string, string) {
	n, code, msg := w.nodeFor(s, in.NodeID)
	if n == nil {
		return code, msg
	}
	c := n.Container()
	if c.HeldBy != s.P.ID {
		return protocol.ErrInvalidTarget, "node is not in your inventory"
	}
	pos := s.P.Pos
	if in.Pos != nil {
		pos = model.Vec2{X: in.Pos[0], Y: in.Pos[1]}
	}
	c.HeldBy = ""
	c.Location = s.P.Location
	c.Pos = &pos
	w.registry.ContainersChanged()
	w.broadcast(w.nodeConfigMsg(nowTick, false, []*storage.Node{n}))
	w.audit(nowTick, s.P.ID, "PLACE", AuditEntry{NodeID: n.ID()})
	return ok("placed " + n.ID())
}

// doDestroy removes an empty container the participant can reach. Contents are never destroyed.
func (w *World) doDestroy(s *Session, in protocol.Intent, nowTick uint64) (string, string) {
	n, code, msg := w.nodeFor(s, in.NodeID)
	if n == nil {
		return code, msg
	}
	c := n.Container()
	if c.Placed() && c.Location != s.P.Location {
		return protocol.ErrInvalidTarget, "node is in another location"
	}
	if model.Total(c.Slots) > 0 {
		return protocol.ErrConflict, "node is not empty"
	}
	w.RemoveContainer(c.ID)
	w.broadcast(w.nodeConfigMsg(nowTick, true, w.registry.AllNodes()))
	w.audit(nowTick, s.P.ID, "DESTROY", AuditEntry{NodeID: c.ID})
	return ok("destroyed " + c.ID)
}
