package world

import (
	"stashcraft.ai/internal/protocol"
	"stashcraft.ai/internal/sim/lock"
)

// hostLink is the host coordinator's path to the arbiter. It needs no network hop; verdicts are
// published like any remote one.
type hostLink struct{ w *World }

func (l hostLink) Claim(node lock.NodeID, requester string) {
	l.w.publishLock(l.w.arbiter.Claim(node, requester, l.w.tick.Load()))
}

func (l hostLink) Release(node lock.NodeID, requester string) {
	if ev, ok := l.w.arbiter.Release(node, requester, l.w.tick.Load()); ok {
		l.w.publishLock(ev)
	}
}

func (w *World) handleLockRequest(req LockRequest, nowTick uint64) {
	s := w.sessions[req.SessionID]
	if s == nil {
		return
	}
	node := lock.NodeID(req.NodeID)
	if _, ok := w.registry.Lookup(req.NodeID); !ok {
		w.result(s, req.NodeID, protocol.TypeLock, nowTick, protocol.ErrInvalidTarget, "unknown node")
		return
	}
	switch req.Op {
	case protocol.LockClaim:
		ev := w.arbiter.Claim(node, s.P.ID, nowTick)
		w.publishLock(ev)
	case protocol.LockRelease:
		if ev, ok := w.arbiter.Release(node, s.P.ID, nowTick); ok {
			w.publishLock(ev)
		}
	default:
		w.result(s, req.NodeID, protocol.TypeLock, nowTick, protocol.ErrBadRequest, "unknown lock op")
	}
}

// publishLock feeds a verdict to the host replica and every connected participant.
func (w *World) publishLock(ev lock.Event) {
	w.coord.Deliver(ev)
	w.sendVerdict(lockEventMsg(ev))
	w.audit(ev.Tick, ev.Requester, "LOCK_"+ev.Verdict.String(), AuditEntry{NodeID: string(ev.Node), Reason: ev.Holder})
}

func lockEventMsg(ev lock.Event) protocol.LockEventMsg {
	return protocol.LockEventMsg{
		Type:            protocol.TypeLockEvent,
		ProtocolVersion: protocol.Version,
		Verdict:         ev.Verdict.String(),
		NodeID:          string(ev.Node),
		Requester:       ev.Requester,
		Holder:          ev.Holder,
		Tick:            ev.Tick,
	}
}
