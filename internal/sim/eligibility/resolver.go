// Package eligibility decides which storage nodes take part in an operation and in what order.
package eligibility

import (
	"math"
	"sort"

	"stashcraft.ai/internal/sim/model"
	"stashcraft.ai/internal/sim/storage"
)

type Operation int

const (
	OpStash Operation = iota
	OpCraft
	OpOrganize
)

func (op Operation) String() string {
	switch op {
	case OpCraft:
		return "CRAFT"
	case OpOrganize:
		return "ORGANIZE"
	}
	return "STASH"
}

// Participant is the explicit requester handle every query is made for.
type Participant struct {
	ID       string
	Location string
	Pos      model.Vec2
}

type Resolver struct {
	reg *storage.Registry

	// Scope caps enumeration for stash and craft; World by default.
	Scope model.Range
}

func NewResolver(reg *storage.Registry) *Resolver {
	return &Resolver{reg: reg, Scope: model.RangeWorld}
}

type candidate struct {
	node *storage.Node
	dist int
}

// Resolve returns the eligible nodes for op ordered by priority (descending), then distance to p
// (ascending), then node id. Organize ignores p and selects every auto-organize node.
func (r *Resolver) Resolve(op Operation, p Participant) []*storage.Node {
	var cands []candidate
	if op == OpOrganize {
		for _, n := range r.reg.AllNodes() {
			if n.AutoOrganize() {
				cands = append(cands, candidate{node: n})
			}
		}
		return order(cands)
	}
	for _, n := range r.enumerate(p) {
		class, loc, ok := Classify(n, p)
		if !ok {
			continue
		}
		configured := n.StashRange()
		if op == OpCraft {
			configured = n.CraftRange()
		}
		if !configured.Covers(class) {
			continue
		}
		if n.Excluded(loc) {
			continue
		}
		dist := 0
		switch class {
		case model.RangeLocation:
			pos, _ := n.Pos()
			dist = model.DistSq(pos, p.Pos)
			if configured == model.RangeLocation && n.Distance() > 0 && dist > n.Distance()*n.Distance() {
				continue
			}
		case model.RangeWorld:
			dist = math.MaxInt
		}
		cands = append(cands, candidate{node: n, dist: dist})
	}
	return order(cands)
}

// Accepting keeps the nodes whose filter admits st, preserving order.
func Accepting(nodes []*storage.Node, st *model.Stack) []*storage.Node {
	var out []*storage.Node
	for _, n := range nodes {
		if n.Accepts(st) {
			out = append(out, n)
		}
	}
	return out
}

// Classify returns the distance class of n from p and the location name exclusions are checked
// against. Containers carried by someone else are never eligible.
func Classify(n *storage.Node, p Participant) (class model.Range, location string, ok bool) {
	switch holder := n.HeldBy(); {
	case holder == p.ID:
		return model.RangeInventory, p.Location, true
	case holder != "":
		return 0, "", false
	case n.Location() == p.Location:
		return model.RangeLocation, n.Location(), true
	default:
		return model.RangeWorld, n.Location(), true
	}
}

func (r *Resolver) enumerate(p Participant) []*storage.Node {
	switch r.Scope {
	case model.RangeInventory:
		return r.reg.NodesInInventory(p.ID)
	case model.RangeLocation:
		return append(r.reg.NodesInInventory(p.ID), r.reg.NodesNear(p.Location, p.Pos, 0)...)
	}
	return r.reg.AllNodes()
}

func order(cands []candidate) []*storage.Node {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.node.Priority() != b.node.Priority() {
			return a.node.Priority() > b.node.Priority()
		}
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		return a.node.ID() < b.node.ID()
	})
	out := make([]*storage.Node, len(cands))
	for i, c := range cands {
		out[i] = c.node
	}
	return out
}
