package distribution

import (
	"errors"
	"testing"

	"stashcraft.ai/internal/sim/eligibility"
	"stashcraft.ai/internal/sim/lock"
	"stashcraft.ai/internal/sim/model"
	"stashcraft.ai/internal/sim/storage"
)

type fixture struct {
	containers []*model.Container
	gone       map[string]bool
}

func (f *fixture) Containers() []*model.Container { return f.containers }
func (f *fixture) Alive(c *model.Container) bool  { return !f.gone[c.ID] }

func (f *fixture) add(id string, prio, capacity int) *model.Container {
	c := &model.Container{
		ID: id, Location: "Farm", Pos: &model.Vec2{}, Capacity: capacity,
		Config: model.NodeConfig{Priority: prio},
	}
	f.containers = append(f.containers, c)
	return c
}

func (f *fixture) registry() *storage.Registry {
	return storage.NewRegistry(f, storage.Defaults{StackCombine: true})
}

func item(id string, n int, tags ...string) *model.Stack {
	return &model.Stack{Item: id, Name: id, Category: "misc", Tags: tags, MaxStack: 99, Count: n}
}

func total(inv []*model.Stack, nodes []*storage.Node) int {
	n := model.Total(inv)
	for _, node := range nodes {
		n += node.ItemCount()
	}
	return n
}

func alice() eligibility.Participant {
	return eligibility.Participant{ID: "alice", Location: "Farm"}
}

func TestStash_HighestPriorityFirst(t *testing.T) {
	f := &fixture{}
	f.add("low", 5, 4)
	f.add("high", 10, 4)
	nodes := eligibility.NewResolver(f.registry()).Resolve(eligibility.OpStash, alice())
	inv := model.NewInventory("alice", 4)
	inv.Slots[0] = item("X", 12)

	res := Stash(inv.Slots, nodes)
	if res.Moved != 12 || len(res.Leftover) != 0 || !res.Sound {
		t.Fatalf("expected all 12 moved with no leftover, got %+v", res)
	}
	if nodes[0].ID() != "high" || nodes[0].ItemCount() != 12 || nodes[1].ItemCount() != 0 {
		t.Fatalf("expected everything in the priority-10 node")
	}
	if inv.Slots[0] != nil {
		t.Fatalf("expected emptied inventory slot")
	}
}

func TestStash_LeftoverLockedAndFiltered(t *testing.T) {
	f := &fixture{}
	fish := f.add("fish", 1, 1)
	fish.Config.Filter = "#fish"
	all := f.add("small", 0, 1)
	nodes := eligibility.NewResolver(f.registry()).Resolve(eligibility.OpStash, alice())

	inv := model.NewInventory("alice", 4)
	inv.Slots[0] = item("salmon", 3, "fish")
	inv.Slots[1] = item("ore", 150)
	inv.Slots[2] = item("gem", 1)
	inv.Slots[2].Locked = true
	before := total(inv.Slots, nodes)

	res := Stash(inv.Slots, nodes)
	if !res.Sound || total(inv.Slots, nodes) != before {
		t.Fatalf("items were not conserved")
	}
	if fish.Slots[0] == nil || fish.Slots[0].Item != "salmon" {
		t.Fatalf("expected salmon in the fish chest")
	}
	if all.Slots[0] == nil || all.Slots[0].Item != "ore" || all.Slots[0].Count != 99 {
		t.Fatalf("expected one full stack of ore in the small chest")
	}
	if inv.Slots[1] == nil || inv.Slots[1].Count != 51 {
		t.Fatalf("expected 51 ore left over")
	}
	if inv.Slots[2] == nil || inv.Slots[2].Count != 1 {
		t.Fatalf("locked slot must not move")
	}
	if len(res.Leftover) != 1 || res.Leftover[0].Item != "ore" {
		t.Fatalf("expected ore as the only leftover, got %d", len(res.Leftover))
	}
}

func TestStash_CombineAcrossSlots(t *testing.T) {
	f := &fixture{}
	c := f.add("chest", 0, 3)
	c.Slots = []*model.Stack{nil, item("X", 90), item("X", 95)}
	nodes := []*storage.Node{f.registry().Node(c)}
	Stash([]*model.Stack{item("X", 10)}, nodes)
	if c.Slots[1].Count != 99 || c.Slots[2].Count != 96 || c.Slots[0] != nil {
		t.Fatalf("expected existing stacks topped up before the empty slot")
	}

	c.Config.StackCombine = model.ToggleDisabled
	Stash([]*model.Stack{item("X", 2)}, nodes)
	if c.Slots[0] == nil || c.Slots[0].Count != 2 {
		t.Fatalf("expected a new stack in the first empty slot without combining")
	}
}

func TestOrganize_MovesUpAndSorts(t *testing.T) {
	f := &fixture{}
	low := f.add("low", 1, 4)
	high := f.add("high", 5, 4)
	fishOnly := f.add("fishOnly", 9, 4)
	off := f.add("off", 20, 4)
	for _, c := range []*model.Container{low, high, fishOnly} {
		c.Config.AutoOrganize = model.ToggleEnabled
	}
	fishOnly.Config.Filter = "#fish"
	low.Slots = []*model.Stack{item("salmon", 4, "fish"), item("ore", 7), item("gem", 1)}
	low.Slots[2].Locked = true
	high.Slots = []*model.Stack{item("wood", 3)}

	reg := f.registry()
	nodes := eligibility.NewResolver(reg).Resolve(eligibility.OpOrganize, eligibility.Participant{})
	before := total(nil, reg.AllNodes())
	res := Organize(nodes)

	if total(nil, reg.AllNodes()) != before {
		t.Fatalf("items were not conserved")
	}
	if res.Moved != 11 || res.Sorted != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if model.CountItem(fishOnly.Slots, "salmon") != 4 {
		t.Fatalf("expected salmon in the highest accepting node")
	}
	if model.CountItem(high.Slots, "ore") != 7 {
		t.Fatalf("expected ore in the next node")
	}
	if len(off.Slots) != 0 {
		t.Fatalf("non-organizing node must not receive items")
	}
	if low.Slots[2] == nil || low.Slots[2].Item != "gem" {
		t.Fatalf("locked slot must stay in place")
	}
	if !high.Config.OrganizeDesc {
		t.Fatalf("expected direction toggled")
	}
	// TYPE descending on the first run: wood before ore.
	if high.Slots[0].Item != "wood" || high.Slots[1].Item != "ore" {
		t.Fatalf("expected descending type order, got %s,%s", high.Slots[0].Item, high.Slots[1].Item)
	}
	Organize(nodes)
	if high.Config.OrganizeDesc || high.Slots[0].Item != "ore" {
		t.Fatalf("expected ascending order on the second run")
	}
}

func TestOrganize_EqualPriorityDoesNotMove(t *testing.T) {
	f := &fixture{}
	a := f.add("a", 3, 2)
	b := f.add("b", 3, 2)
	a.Slots = []*model.Stack{item("X", 5)}
	nodes := []*storage.Node{f.registry().Node(a), f.registry().Node(b)}
	if res := Organize(nodes); res.Moved != 0 {
		t.Fatalf("expected no movement between equal priorities, got %d", res.Moved)
	}
}

// directLink applies lock operations on the host immediately.
type directLink struct {
	arb   *lock.Arbiter
	coord *lock.Coordinator
	drop  bool
}

func (l *directLink) Claim(node lock.NodeID, requester string) {
	if l.drop {
		return
	}
	l.coord.Deliver(l.arb.Claim(node, requester, 0))
}

func (l *directLink) Release(node lock.NodeID, requester string) {
	if ev, ok := l.arb.Release(node, requester, 0); ok {
		l.coord.Deliver(ev)
	}
}

func newLocks(drop bool) (*lock.Coordinator, *lock.Arbiter) {
	l := &directLink{arb: lock.NewArbiter(), drop: drop}
	l.coord = lock.NewCoordinator(l, 20)
	return l.coord, l.arb
}

var planks = Recipe{
	ID:      "planks",
	Inputs:  []Ingredient{{Item: "wood", Count: 5}},
	Outputs: []*model.Stack{item("plank", 4)},
}

func TestCraft_InventoryThenNode(t *testing.T) {
	f := &fixture{}
	c := f.add("chest", 0, 4)
	c.Slots = []*model.Stack{item("wood", 10)}
	nodes := eligibility.NewResolver(f.registry()).Resolve(eligibility.OpCraft, alice())
	inv := model.NewInventory("alice", 4)
	inv.Slots[3] = item("wood", 2)
	coord, arb := newLocks(false)

	job, err := TryCraft(coord, "alice", planks, 1, inv, nodes, nil, 0, 10)
	if err != nil {
		t.Fatalf("TryCraft: %v", err)
	}
	if ids := job.Plan().LockIDs(); len(ids) != 1 || ids[0] != "chest" {
		t.Fatalf("expected to lock only the chest, got %v", ids)
	}
	done, err := job.Step(0)
	if !done || err != nil {
		t.Fatalf("expected success, got done=%v err=%v", done, err)
	}
	if inv.Slots[3] != nil {
		t.Fatalf("expected inventory wood consumed")
	}
	if c.Slots[0].Count != 7 {
		t.Fatalf("expected 3 taken from the chest, got %d left", c.Slots[0].Count)
	}
	if model.CountItem(inv.Slots, "plank") != 4 {
		t.Fatalf("expected planks in inventory")
	}
	if coord.IsHeld("chest", "alice") {
		t.Fatalf("expected lock released")
	}
	if _, ok := arb.Holder("chest"); ok {
		t.Fatalf("host still holds the chest")
	}
}

func TestCraft_LockNeverResolves(t *testing.T) {
	f := &fixture{}
	c := f.add("chest", 0, 4)
	c.Slots = []*model.Stack{item("wood", 10)}
	nodes := eligibility.NewResolver(f.registry()).Resolve(eligibility.OpCraft, alice())
	inv := model.NewInventory("alice", 4)
	coord, _ := newLocks(true)

	job, err := TryCraft(coord, "alice", planks, 1, inv, nodes, nil, 0, 5)
	if err != nil {
		t.Fatalf("TryCraft: %v", err)
	}
	var done bool
	for tick := uint64(0); tick <= 5 && !done; tick++ {
		done, err = job.Step(tick)
	}
	if !done || !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got done=%v err=%v", done, err)
	}
	if st, _ := coord.State("chest"); st != lock.Unlocked {
		t.Fatalf("expected chest Unlocked, got %v", st)
	}
	if c.Slots[0].Count != 10 || model.Total(inv.Slots) != 0 {
		t.Fatalf("nothing may change on failure")
	}
}

func TestCraft_Unsatisfiable(t *testing.T) {
	f := &fixture{}
	c := f.add("chest", 0, 4)
	c.Slots = []*model.Stack{item("wood", 2)}
	inv := model.NewInventory("alice", 4)
	inv.Slots[0] = item("wood", 2)
	inv.Slots[1] = item("wood", 5)
	inv.Slots[1].Locked = true
	coord, _ := newLocks(false)
	nodes := []*storage.Node{f.registry().Node(c)}

	_, err := TryCraft(coord, "alice", planks, 1, inv, nodes, nil, 0, 5)
	if !errors.Is(err, ErrUnsatisfiable) {
		t.Fatalf("expected ErrUnsatisfiable, got %v", err)
	}
	if inv.Slots[0].Count != 2 || c.Slots[0].Count != 2 {
		t.Fatalf("nothing may change on failure")
	}
	if len(coord.Tracked()) != 0 {
		t.Fatalf("no lock may be requested")
	}
}

func TestCraft_TagIngredientAndBatch(t *testing.T) {
	inv := model.NewInventory("alice", 4)
	inv.Slots[0] = item("oak", 6, "wood")
	inv.Slots[1] = item("birch", 6, "wood")
	r := Recipe{ID: "stick", Inputs: []Ingredient{{Tag: "wood", Count: 4}}, Outputs: []*model.Stack{item("stick", 2)}}
	coord, _ := newLocks(false)

	job, err := TryCraft(coord, "alice", r, 3, inv, nil, nil, 0, 5)
	if err != nil || !job.Done() {
		t.Fatalf("expected an immediate inventory-only craft, got %v", err)
	}
	if model.CountItem(inv.Slots, "oak")+model.CountItem(inv.Slots, "birch") != 0 {
		t.Fatalf("expected 12 wood consumed")
	}
	if model.CountItem(inv.Slots, "stick") != 6 {
		t.Fatalf("expected 6 sticks")
	}
}

func TestCraft_NoSpaceForOutputs(t *testing.T) {
	inv := model.NewInventory("alice", 2)
	inv.Slots[0] = item("wood", 10)
	inv.Slots[1] = item("stone", 1)
	coord, _ := newLocks(false)
	_, err := TryCraft(coord, "alice", planks, 1, inv, nil, nil, 0, 5)
	if !errors.Is(err, ErrNoSpace) {
		t.Fatalf("expected ErrNoSpace, got %v", err)
	}
	if inv.Slots[0].Count != 10 {
		t.Fatalf("nothing may change on failure")
	}
}

func TestCraft_RevalidatesAfterLocking(t *testing.T) {
	f := &fixture{}
	c := f.add("chest", 0, 4)
	c.Slots = []*model.Stack{item("wood", 10)}
	inv := model.NewInventory("alice", 4)
	coord, arb := newLocks(false)
	nodes := []*storage.Node{f.registry().Node(c)}

	job, err := TryCraft(coord, "alice", planks, 1, inv, nodes, nil, 0, 5)
	if err != nil {
		t.Fatalf("TryCraft: %v", err)
	}
	c.Slots[0].Count = 1 // drained by someone else before the lock arrived
	done, err := job.Step(0)
	if !done || !errors.Is(err, ErrUnsatisfiable) {
		t.Fatalf("expected ErrUnsatisfiable after revalidation, got %v", err)
	}
	if c.Slots[0].Count != 1 {
		t.Fatalf("nothing may change on failure")
	}
	if _, ok := arb.Holder("chest"); ok {
		t.Fatalf("lock must be released")
	}
}

func TestCraft_FailsWhenNodeDestroyedWhilePending(t *testing.T) {
	f := &fixture{gone: map[string]bool{}}
	c := f.add("chest", 0, 4)
	c.Slots = []*model.Stack{item("wood", 10)}
	reg := f.registry()
	inv := model.NewInventory("alice", 4)
	coord, _ := newLocks(true)

	job, err := TryCraft(coord, "alice", planks, 1, inv, []*storage.Node{reg.Node(c)}, reg, 0, 10)
	if err != nil {
		t.Fatalf("TryCraft: %v", err)
	}
	if done, _ := job.Step(0); done {
		t.Fatalf("expected the job to wait for the lock")
	}
	f.gone["chest"] = true
	done, err := job.Step(1)
	if !done || !errors.Is(err, ErrStaleNode) {
		t.Fatalf("expected ErrStaleNode, got done=%v err=%v", done, err)
	}
	if st, _ := coord.State("chest"); st != lock.Unlocked {
		t.Fatalf("expected chest Unlocked, got %v", st)
	}
	if c.Slots[0].Count != 10 || model.Total(inv.Slots) != 0 {
		t.Fatalf("nothing may change on failure")
	}
}
