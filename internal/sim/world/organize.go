package world

import (
	"stashcraft.ai/internal/sim/distribution"
	"stashcraft.ai/internal/sim/eligibility"
)

// runAutoOrganize is the day-boundary pass. It runs inside the tick, so no intent can touch the
// nodes while it moves items; it does not go through the lock arbiter.
func (w *World) runAutoOrganize(nowTick uint64) distribution.OrganizeResult {
	nodes := w.resolver.Resolve(eligibility.OpOrganize, eligibility.Participant{})
	if len(nodes) == 0 {
		return distribution.OrganizeResult{}
	}
	res := distribution.Organize(nodes)
	for _, n := range nodes {
		w.persistTags(n.Container())
	}
	w.broadcast(w.nodeConfigMsg(nowTick, false, nodes))
	w.audit(nowTick, "HOST", "ORGANIZE", AuditEntry{Count: res.Moved, Reason: "day_end"})
	return res
}

// RunAutoOrganize runs the day-end pass immediately. Do not call while Run is active.
func (w *World) RunAutoOrganize() distribution.OrganizeResult {
	return w.runAutoOrganize(w.tick.Load())
}
