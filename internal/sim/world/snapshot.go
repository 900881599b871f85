package world

import (
	"fmt"
	"sort"

	"stashcraft.ai/internal/persistence/snapshot"
	"stashcraft.ai/internal/sim/lock"
	"stashcraft.ai/internal/sim/model"
)

func (w *World) ExportSnapshot(nowTick uint64) snapshot.SnapshotV1 {
	snap := snapshot.SnapshotV1{
		Header:       snapshot.Header{Version: snapshot.Version, WorldID: w.cfg.ID, Tick: nowTick},
		TickRate:     w.cfg.TickRateHz,
		DayTicks:     w.cfg.DayTicks,
		TagNamespace: w.codec.Namespace,
		Counters:     snapshot.CountersV1{NextContainer: w.nextContainerNum.Load()},
	}

	pids := make([]string, 0, len(w.participants))
	for id := range w.participants {
		pids = append(pids, id)
	}
	sort.Strings(pids)
	for _, id := range pids {
		p := w.participants[id]
		snap.Participants = append(snap.Participants, snapshot.ParticipantV1{
			ID:        p.ID,
			Name:      p.Name,
			Location:  p.Location,
			Pos:       [2]int{p.Pos.X, p.Pos.Y},
			Inventory: w.exportSlots(p.Inv.Slots),
			Slots:     len(p.Inv.Slots),
		})
	}

	for _, c := range w.Containers() {
		cv := snapshot.ContainerV1{
			ID:       c.ID,
			Kind:     c.Kind,
			Location: c.Location,
			HeldBy:   c.HeldBy,
			Capacity: c.Capacity,
			Slots:    w.exportSlots(c.Slots),
			Tags:     w.codec.EncodeContainer(c),
		}
		if c.Pos != nil {
			cv.Pos = &[2]int{c.Pos.X, c.Pos.Y}
		}
		snap.Containers = append(snap.Containers, cv)
	}

	for _, ev := range w.arbiter.Snapshot(nowTick) {
		snap.Locks = append(snap.Locks, snapshot.LockV1{NodeID: string(ev.Node), Holder: ev.Holder})
	}
	return snap
}

func (w *World) exportSlots(slots []*model.Stack) []snapshot.StackV1 {
	var out []snapshot.StackV1
	for i, st := range slots {
		if st == nil {
			continue
		}
		out = append(out, snapshot.StackV1{
			Slot:    i,
			Item:    st.Item,
			Count:   st.Count,
			Quality: st.Quality,
			Tags:    w.codec.EncodeStack(st),
		})
	}
	return out
}

// ImportSnapshot replaces the world state with snap. Sessions are not restored; every node
// starts unlocked.
func (w *World) ImportSnapshot(snap snapshot.SnapshotV1) error {
	if snap.Header.Version != snapshot.Version {
		return fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	participants := map[string]*Participant{}
	for _, pv := range snap.Participants {
		slots, err := w.importSlots(pv.Inventory, pv.Slots)
		if err != nil {
			return fmt.Errorf("participant %s: %w", pv.ID, err)
		}
		participants[pv.ID] = &Participant{
			ID:       pv.ID,
			Name:     pv.Name,
			Location: pv.Location,
			Pos:      model.Vec2{X: pv.Pos[0], Y: pv.Pos[1]},
			Inv:      &model.Inventory{Owner: pv.ID, Slots: slots},
		}
	}
	containers := map[string]*model.Container{}
	for _, cv := range snap.Containers {
		cfg, foreign, err := w.codec.DecodeContainer(cv.Tags)
		if err != nil {
			return fmt.Errorf("container %s: %w", cv.ID, err)
		}
		slots, err := w.importSlots(cv.Slots, cv.Capacity)
		if err != nil {
			return fmt.Errorf("container %s: %w", cv.ID, err)
		}
		c := &model.Container{
			ID:       cv.ID,
			Kind:     cv.Kind,
			Location: cv.Location,
			HeldBy:   cv.HeldBy,
			Capacity: cv.Capacity,
			Slots:    slots,
			Config:   cfg,
			Tags:     foreign,
		}
		if cv.Pos != nil {
			c.Pos = &model.Vec2{X: cv.Pos[0], Y: cv.Pos[1]}
		}
		containers[c.ID] = c
	}

	w.participants = participants
	w.containers = containers
	w.sessions = map[string]*Session{}
	w.arbiter = lock.NewArbiter()
	w.coord = lock.NewCoordinator(hostLink{w}, uint64(w.cfg.LockRequestTicks))
	w.nextContainerNum.Store(snap.Counters.NextContainer)
	w.tick.Store(snap.Header.Tick + 1)
	w.registry.ContainersChanged()
	return nil
}

// importSlots rebuilds a slot array. size <= 0 means the array is as long as its last stack.
func (w *World) importSlots(stacks []snapshot.StackV1, size int) ([]*model.Stack, error) {
	n := size
	for _, sv := range stacks {
		if size <= 0 && sv.Slot+1 > n {
			n = sv.Slot + 1
		}
	}
	slots := make([]*model.Stack, max(n, 0))
	for _, sv := range stacks {
		if sv.Slot < 0 || sv.Slot >= len(slots) {
			return nil, fmt.Errorf("slot %d out of range", sv.Slot)
		}
		st, err := w.catalogs.Items.Stack(sv.Item, sv.Count)
		if err != nil {
			return nil, err
		}
		st.Quality = sv.Quality
		st.Locked = w.codec.DecodeLocked(sv.Tags)
		slots[sv.Slot] = st
	}
	return slots, nil
}
