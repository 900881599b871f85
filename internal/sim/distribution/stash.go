// Package distribution moves items between inventories and storage nodes: stash, day-end
// organize, and craft aggregation.
package distribution

import (
	"errors"

	"stashcraft.ai/internal/sim/model"
	"stashcraft.ai/internal/sim/storage"
)

var (
	ErrNoEligibleNodes = errors.New("no eligible storage nodes")
	ErrUnsatisfiable   = errors.New("ingredients unavailable")
	ErrLockTimeout     = errors.New("lock acquisition timed out")
	ErrNoSpace         = errors.New("not enough inventory space")
	ErrStaleNode       = errors.New("storage node no longer exists")
)

type StashResult struct {
	// Moved is the number of units placed into targets.
	Moved int
	// Leftover lists the source stacks that still hold units, in source order.
	Leftover []*model.Stack
	// Sound is false if any unit went unaccounted for.
	Sound bool
}

// Stash moves every unlocked stack in src into the first targets (in order) whose filter accepts
// it, until it is used up or the targets are exhausted. src is modified in place; a slot is set
// to nil only once its full quantity was placed.
func Stash(src []*model.Stack, targets []*storage.Node) StashResult {
	res := StashResult{Sound: true}
	before := 0
	for _, n := range targets {
		before += n.ItemCount()
	}
	srcBefore := model.Total(src)

	for i, st := range src {
		if st == nil || st.Locked {
			continue
		}
		for _, n := range targets {
			if st.Count == 0 {
				break
			}
			if !n.Accepts(st) {
				continue
			}
			placed := n.Insert(st)
			st.Count -= placed
			res.Moved += placed
		}
		if st.Count == 0 {
			src[i] = nil
			continue
		}
		res.Leftover = append(res.Leftover, st)
	}

	after := 0
	for _, n := range targets {
		after += n.ItemCount()
	}
	if after-before != res.Moved || srcBefore-model.Total(src) != res.Moved {
		res.Sound = false
	}
	return res
}
