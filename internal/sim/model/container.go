package model

import "sort"

type Vec2 struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func DistSq(a, b Vec2) int {
	dx, dy := a.X-b.X, a.Y-b.Y
	return dx*dx + dy*dy
}

// Container is the authoritative slot state for a chest-like object. A container is either placed
// (Location + Pos) or held in a participant's inventory (HeldBy).
type Container struct {
	ID       string
	Kind     string
	Location string
	Pos      *Vec2
	HeldBy   string

	// Capacity is the slot count; <= 0 means unbounded.
	Capacity int
	Slots    []*Stack
	Config   NodeConfig

	// Tags carries key/value pairs owned by other features; preserved across save/reload.
	Tags map[string]string
}

func (c *Container) Placed() bool { return c.HeldBy == "" && c.Pos != nil }

func (c *Container) Unbounded() bool { return c.Capacity <= 0 }

// Insert moves up to st.Count units into the container and returns the number placed; st itself
// is not modified.
func (c *Container) Insert(st *Stack, combine bool) int {
	var n int
	c.Slots, n = insert(c.Slots, c.Capacity, st, combine)
	return n
}

// Compact drops trailing empty slots of unbounded containers.
func (c *Container) Compact() {
	if !c.Unbounded() {
		return
	}
	end := len(c.Slots)
	for end > 0 && c.Slots[end-1] == nil {
		end--
	}
	c.Slots = c.Slots[:end]
}

func (c *Container) InventoryList() []Stack {
	out := make([]Stack, 0, len(c.Slots))
	for _, st := range c.Slots {
		if st != nil {
			out = append(out, *st)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Item < out[j].Item })
	return out
}

// Inventory is a participant's own fixed-size slot array; it is never locked.
type Inventory struct {
	Owner string
	Slots []*Stack
}

func NewInventory(owner string, slots int) *Inventory {
	if slots <= 0 {
		slots = 36
	}
	return &Inventory{Owner: owner, Slots: make([]*Stack, slots)}
}

// Insert merges into compatible stacks first, then fills empty slots. It never grows the inventory.
func (inv *Inventory) Insert(st *Stack) int {
	var n int
	inv.Slots, n = insert(inv.Slots, len(inv.Slots), st, true)
	return n
}

// Room reports how many units of st would fit.
func (inv *Inventory) Room(st *Stack) int {
	room := 0
	for _, cur := range inv.Slots {
		switch {
		case cur == nil:
			room += st.Limit()
		case !cur.Locked && cur.Compatible(st):
			room += max(0, cur.Limit()-cur.Count)
		}
	}
	return room
}
