package model

// Stack is one occupied slot. A stack with Count == 0 does not exist; the slot is nil instead.
type Stack struct {
	Item     string
	Name     string
	Category string
	Tags     []string
	Quality  int
	MaxStack int
	Count    int

	// Locked slots are never read or written by stash and never consumed by craft.
	Locked bool
}

func (s *Stack) MatchName() string   { return s.Name }
func (s *Stack) MatchTags() []string { return s.Tags }

// Limit is the per-slot stack ceiling (at least 1).
func (s *Stack) Limit() int {
	if s.MaxStack <= 0 {
		return 1
	}
	return s.MaxStack
}

// Compatible reports whether o can be merged into s.
func (s *Stack) Compatible(o *Stack) bool {
	return s != nil && o != nil && s.Item == o.Item && s.Quality == o.Quality
}

func (s *Stack) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone copies s with a new count. The lock marker stays with the source slot.
func (s *Stack) Clone(count int) *Stack {
	out := *s
	out.Tags = append([]string(nil), s.Tags...)
	out.Count = count
	out.Locked = false
	return &out
}

// Total sums the counts of all non-empty slots.
func Total(slots []*Stack) int {
	n := 0
	for _, st := range slots {
		if st != nil {
			n += st.Count
		}
	}
	return n
}

// CountItem sums the counts of slots holding item.
func CountItem(slots []*Stack, item string) int {
	n := 0
	for _, st := range slots {
		if st != nil && st.Item == item {
			n += st.Count
		}
	}
	return n
}

// insert places up to st.Count units of st into slots and returns the grown slice and the number
// placed. limit bounds the slot count; limit <= 0 lets the slice grow. When combine is set every
// compatible unlocked stack is topped up before an empty slot is opened.
func insert(slots []*Stack, limit int, st *Stack, combine bool) ([]*Stack, int) {
	if st == nil || st.Count <= 0 {
		return slots, 0
	}
	remaining := st.Count
	if combine {
		for _, cur := range slots {
			if remaining == 0 {
				break
			}
			if cur == nil || cur.Locked || !cur.Compatible(st) {
				continue
			}
			room := cur.Limit() - cur.Count
			if room <= 0 {
				continue
			}
			n := min(room, remaining)
			cur.Count += n
			remaining -= n
		}
	}
	for i := 0; i < len(slots) && remaining > 0; i++ {
		if slots[i] != nil {
			continue
		}
		n := min(st.Limit(), remaining)
		slots[i] = st.Clone(n)
		remaining -= n
	}
	for remaining > 0 && (limit <= 0 || len(slots) < limit) {
		n := min(st.Limit(), remaining)
		slots = append(slots, st.Clone(n))
		remaining -= n
	}
	return slots, st.Count - remaining
}
