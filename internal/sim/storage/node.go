// Package storage wraps containers as storage nodes and keeps the registry of nodes reachable
// from the current world state.
package storage

import (
	"strings"

	"stashcraft.ai/internal/sim/lock"
	"stashcraft.ai/internal/sim/matcher"
	"stashcraft.ai/internal/sim/model"
)

// Defaults fill in node settings left at their zero ("default") value.
type Defaults struct {
	StashRange   model.Range
	CraftRange   model.Range
	StackCombine bool
	AutoOrganize bool
	TagSymbol    string
}

func (d Defaults) normalized() Defaults {
	if d.StashRange == model.RangeDefault {
		d.StashRange = model.RangeLocation
	}
	if d.CraftRange == model.RangeDefault {
		d.CraftRange = model.RangeLocation
	}
	if d.TagSymbol == "" {
		d.TagSymbol = matcher.DefaultTagSymbol
	}
	return d
}

// Node is the coordinator-level handle for one container. Identity is the container pointer.
type Node struct {
	c        *model.Container
	defaults *Defaults

	filterSrc string
	filter    matcher.Predicate
	compiled  bool
}

func (n *Node) ID() string { return n.c.ID }
func (n *Node) LockID() lock.NodeID { return lock.NodeID(n.c.ID) }
func (n *Node) Container() *model.Container { return n.c }
func (n *Node) Location() string { return n.c.Location }
func (n *Node) HeldBy() string { return n.c.HeldBy }
func (n *Node) Capacity() int { return n.c.Capacity }
func (n *Node) Slots() []*model.Stack { return n.c.Slots }
func (n *Node) Config() model.NodeConfig { return n.c.Config }
func (n *Node) Priority() int { return n.c.Config.Priority }
func (n *Node) Distance() int { return n.c.Config.Distance }
func (n *Node) GroupBy() model.GroupBy { return n.c.Config.GroupBy }
func (n *Node) SortBy() model.SortBy { return n.c.Config.SortBy }
func (n *Node) Insert(st *model.Stack) int { return n.c.Insert(st, n.StackCombine()) }
func (n *Node) ItemCount() int { return model.Total(n.c.Slots) }
func (n *Node) SetConfig(cfg model.NodeConfig) { n.c.Config = cfg }

func (n *Node) Pos() (model.Vec2, bool) {
	if n.c.Pos == nil {
		return model.Vec2{}, false
	}
	return *n.c.Pos, true
}

func (n *Node) StashRange() model.Range {
	if r := n.c.Config.StashRange; r != model.RangeDefault {
		return r
	}
	return n.defaults.StashRange
}

func (n *Node) CraftRange() model.Range {
	if r := n.c.Config.CraftRange; r != model.RangeDefault {
		return r
	}
	return n.defaults.CraftRange
}

func (n *Node) AutoOrganize() bool { return n.c.Config.AutoOrganize.Resolve(n.defaults.AutoOrganize) }
func (n *Node) StackCombine() bool { return n.c.Config.StackCombine.Resolve(n.defaults.StackCombine) }

// Filter returns the compiled filter, recompiling only when the filter text changed.
func (n *Node) Filter() matcher.Predicate {
	if !n.compiled || n.filterSrc != n.c.Config.Filter {
		n.filterSrc = n.c.Config.Filter
		n.filter = matcher.Compile(n.filterSrc, n.defaults.TagSymbol)
		n.compiled = true
	}
	return n.filter
}

func (n *Node) Accepts(st *model.Stack) bool {
	return st != nil && n.Filter().Match(st)
}

// Excluded reports whether location matches one of the node's exclusion entries, either exactly
// or as a prefix ("Mine" excludes "Mine12").
func (n *Node) Excluded(location string) bool {
	for _, ex := range n.c.Config.ExcludeLocations {
		if ex != "" && strings.HasPrefix(location, ex) {
			return true
		}
	}
	return false
}

// ToggleOrganizeDirection flips the sort direction and returns the direction to use now.
func (n *Node) ToggleOrganizeDirection() (desc bool) {
	n.c.Config.OrganizeDesc = !n.c.Config.OrganizeDesc
	return n.c.Config.OrganizeDesc
}
