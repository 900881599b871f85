package distribution

import (
	"sort"

	"stashcraft.ai/internal/sim/model"
	"stashcraft.ai/internal/sim/storage"
)

type OrganizeResult struct {
	Moved  int
	Sorted int
}

// Organize pushes items from lower- to strictly higher-priority nodes of the set, then sorts each
// node in place. Ties in priority are broken by node id. It does not lock; only the host may run it.
func Organize(nodes []*storage.Node) OrganizeResult {
	var res OrganizeResult
	sources := append([]*storage.Node(nil), nodes...)
	sort.SliceStable(sources, func(i, j int) bool {
		if sources[i].Priority() != sources[j].Priority() {
			return sources[i].Priority() < sources[j].Priority()
		}
		return sources[i].ID() < sources[j].ID()
	})

	for idx, src := range sources {
		dests := higher(sources[idx+1:], src.Priority())
		if len(dests) == 0 {
			continue
		}
		slots := src.Slots()
		for i, st := range slots {
			if st == nil || st.Locked {
				continue
			}
			for _, d := range dests {
				if !d.Accepts(st) {
					continue
				}
				placed := d.Insert(st)
				st.Count -= placed
				res.Moved += placed
				if st.Count == 0 {
					break
				}
			}
			if st.Count == 0 {
				slots[i] = nil
			}
		}
		src.Container().Compact()
	}

	for _, n := range sources {
		desc := n.ToggleOrganizeDirection()
		SortNode(n, desc)
		res.Sorted++
	}
	return res
}

// higher returns the nodes with priority above p, highest first, ties by id.
func higher(nodes []*storage.Node, p int) []*storage.Node {
	var out []*storage.Node
	for _, n := range nodes {
		if n.Priority() > p {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() > out[j].Priority()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// SortNode merges compatible stacks when the node combines, then orders unlocked stacks by the
// node's group key and sort key. Locked slots keep their position. desc reverses the sort key.
func SortNode(n *storage.Node, desc bool) {
	c := n.Container()
	var free []int
	var stacks []*model.Stack
	for i, st := range c.Slots {
		if st != nil && st.Locked {
			continue
		}
		free = append(free, i)
		if st != nil {
			stacks = append(stacks, st)
		}
	}
	if n.StackCombine() {
		stacks = merge(stacks)
	}

	group, secondary := n.GroupBy(), n.SortBy()
	sort.SliceStable(stacks, func(i, j int) bool {
		a, b := stacks[i], stacks[j]
		if ga, gb := groupKey(a, group), groupKey(b, group); ga != gb {
			return ga < gb
		}
		if c := compareBy(a, b, secondary); c != 0 {
			if desc {
				return c > 0
			}
			return c < 0
		}
		if a.Item != b.Item {
			return a.Item < b.Item
		}
		if a.Quality != b.Quality {
			return a.Quality < b.Quality
		}
		return a.Count > b.Count
	})

	for k, i := range free {
		if k < len(stacks) {
			c.Slots[i] = stacks[k]
		} else {
			c.Slots[i] = nil
		}
	}
	c.Compact()
}

func merge(stacks []*model.Stack) []*model.Stack {
	var out []*model.Stack
	for _, st := range stacks {
		remaining := st.Count
		for _, cur := range out {
			if remaining == 0 {
				break
			}
			if !cur.Compatible(st) {
				continue
			}
			n := min(cur.Limit()-cur.Count, remaining)
			if n <= 0 {
				continue
			}
			cur.Count += n
			remaining -= n
		}
		if remaining > 0 {
			st.Count = remaining
			out = append(out, st)
		}
	}
	return out
}

func groupKey(st *model.Stack, g model.GroupBy) string {
	switch g {
	case model.GroupName:
		return st.Name
	case model.GroupTag:
		if len(st.Tags) == 0 {
			return ""
		}
		tags := append([]string(nil), st.Tags...)
		sort.Strings(tags)
		return tags[0]
	}
	return st.Category
}

func compareBy(a, b *model.Stack, s model.SortBy) int {
	switch s {
	case model.SortQuality:
		return a.Quality - b.Quality
	case model.SortQuantity:
		return a.Count - b.Count
	}
	switch {
	case a.Item < b.Item:
		return -1
	case a.Item > b.Item:
		return 1
	}
	return 0
}
