package world

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"stashcraft.ai/internal/persistence/snapshot"
	"stashcraft.ai/internal/protocol"
	"stashcraft.ai/internal/sim/catalogs"
	"stashcraft.ai/internal/sim/eligibility"
	"stashcraft.ai/internal/sim/lock"
	"stashcraft.ai/internal/sim/model"
	"stashcraft.ai/internal/sim/storage"
	"stashcraft.ai/internal/sim/tuning"
)

type WorldConfig struct {
	ID                 string
	TickRateHz         int
	DayTicks           int
	SnapshotEveryTicks int

	LockRequestTicks      int
	CraftLockTimeoutTicks int

	InventorySlots int
	TagNamespace   string
	SpawnLocation  string

	Defaults     storage.Defaults
	StarterItems []tuning.StarterItem
}

// ConfigFromTuning resolves the textual defaults in t.
func ConfigFromTuning(id string, t tuning.Tuning) (WorldConfig, error) {
	stash, err := model.ParseRange(t.DefaultStashRange)
	if err != nil {
		return WorldConfig{}, fmt.Errorf("default_stash_range: %w", err)
	}
	craft, err := model.ParseRange(t.DefaultCraftRange)
	if err != nil {
		return WorldConfig{}, fmt.Errorf("default_craft_range: %w", err)
	}
	return WorldConfig{
		ID:                    id,
		TickRateHz:            t.TickRateHz,
		DayTicks:              t.DayTicks,
		SnapshotEveryTicks:    t.SnapshotEveryTicks,
		LockRequestTicks:      t.LockRequestTicks,
		CraftLockTimeoutTicks: t.CraftLockTimeoutTicks,
		InventorySlots:        t.InventorySlots,
		TagNamespace:          t.TagNamespace,
		SpawnLocation:         "Town",
		Defaults: storage.Defaults{
			StashRange:   stash,
			CraftRange:   craft,
			StackCombine: t.DefaultStackCombine,
			AutoOrganize: t.DefaultAutoOrganize,
			TagSymbol:    t.TagSymbol,
		},
		StarterItems: t.StarterItems,
	}, nil
}

type JoinRequest struct {
	Name string
	// Subject is the verified participant identity, if the transport authenticated one.
	Subject string
	// Out carries every other message; a full Out loses its oldest message.
	Out chan []byte
	// Locks carries LOCK_EVENT verdicts, which are never dropped: a session whose lane is full
	// is disconnected and both channels are closed. Without a lane verdicts go to Out under the
	// same rule.
	Locks chan []byte
	Resp  chan JoinResponse
}

type JoinResponse struct {
	Welcome    protocol.WelcomeMsg
	NodeConfig protocol.NodeConfigMsg
	Locks      []protocol.LockEventMsg

	// Code is set when the join was refused.
	Code    string
	Message string
}

type ActionEnvelope struct {
	SessionID string
	Act       protocol.ActMsg
}

// LockRequest is a remote participant's claim or release, applied in receive order.
type LockRequest struct {
	SessionID string
	Op        string
	NodeID    string
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

type AuditEntry struct {
	Tick   uint64 `json:"tick"`
	Actor  string `json:"actor"`
	Action string `json:"action"` // e.g. "STASH"
	NodeID string `json:"node_id,omitempty"`
	Item   string `json:"item,omitempty"`
	Count  int    `json:"count,omitempty"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// TagUpdate carries a container's full encoded tag set to the tag store. Removed marks a
// destroyed container.
type TagUpdate struct {
	ContainerID string
	Tags        map[string]string
	Removed     bool
}

// World is the single-threaded authoritative host.
// All state must be accessed only from the world loop goroutine.
type World struct {
	cfg      WorldConfig
	catalogs *catalogs.Catalogs
	codec    model.TagCodec

	tick atomic.Uint64

	participants map[string]*Participant
	sessions     map[string]*Session
	containers   map[string]*model.Container

	registry *storage.Registry
	resolver *eligibility.Resolver
	arbiter  *lock.Arbiter
	coord    *lock.Coordinator

	inbox chan ActionEnvelope
	join  chan JoinRequest
	leave chan string
	locks chan LockRequest
	stop  chan struct{}

	nextParticipantNum atomic.Uint64
	nextContainerNum   atomic.Uint64

	// Optional sinks (may be nil). Implemented in internal/persistence/*.
	auditLogger  AuditLogger
	snapshotSink chan<- snapshot.SnapshotV1
	tagSink      chan<- TagUpdate

	// tagBacklog holds the latest update per container that did not fit tagSink; it is retried
	// every tick.
	tagBacklog  map[string]TagUpdate
	tagBacklogN atomic.Int64
}

func New(cfg WorldConfig, cats *catalogs.Catalogs) (*World, error) {
	if cfg.TickRateHz <= 0 || cfg.DayTicks <= 0 {
		return nil, fmt.Errorf("world: tick rate and day length must be positive")
	}
	if cats == nil {
		return nil, fmt.Errorf("world: catalogs required")
	}
	if cfg.SpawnLocation == "" {
		cfg.SpawnLocation = "Town"
	}
	w := &World{
		cfg:          cfg,
		catalogs:     cats,
		codec:        model.TagCodec{Namespace: cfg.TagNamespace},
		participants: map[string]*Participant{},
		sessions:     map[string]*Session{},
		containers:   map[string]*model.Container{},
		arbiter:      lock.NewArbiter(),
		inbox:        make(chan ActionEnvelope, 1024),
		join:         make(chan JoinRequest, 64),
		leave:        make(chan string, 64),
		locks:        make(chan LockRequest, 1024),
		stop:         make(chan struct{}),
	}
	w.registry = storage.NewRegistry(w, cfg.Defaults)
	w.resolver = eligibility.NewResolver(w.registry)
	w.coord = lock.NewCoordinator(hostLink{w}, uint64(cfg.LockRequestTicks))
	return w, nil
}

func (w *World) SetAuditLogger(l AuditLogger)                  { w.auditLogger = l }
func (w *World) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { w.snapshotSink = ch }
func (w *World) SetTagSink(ch chan<- TagUpdate)                { w.tagSink = ch }

func (w *World) Inbox() chan<- ActionEnvelope { return w.inbox }
func (w *World) Join() chan<- JoinRequest     { return w.join }
func (w *World) Leave() chan<- string         { return w.leave }
func (w *World) Locks() chan<- LockRequest    { return w.locks }

func (w *World) CurrentTick() uint64 { return w.tick.Load() }

// TagBacklog reports how many containers have tag writes waiting for the tag sink.
func (w *World) TagBacklog() int64 { return w.tagBacklogN.Load() }
func (w *World) Config() WorldConfig { return w.cfg }

func (w *World) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingActions []ActionEnvelope
	var pendingJoins []JoinRequest
	var pendingLeaves []string
	var pendingLocks []LockRequest

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.join:
			pendingJoins = append(pendingJoins, req)
		case id := <-w.leave:
			pendingLeaves = append(pendingLeaves, id)
		case req := <-w.locks:
			pendingLocks = append(pendingLocks, req)
		case env := <-w.inbox:
			pendingActions = append(pendingActions, env)
		case <-ticker.C:
			w.step(pendingJoins, pendingLeaves, pendingLocks, pendingActions)
			pendingJoins = pendingJoins[:0]
			pendingLeaves = pendingLeaves[:0]
			pendingLocks = pendingLocks[:0]
			pendingActions = pendingActions[:0]
		}
	}
}

func (w *World) Stop() { close(w.stop) }

// StepOnce runs a single tick with the given inputs. Intended for tests and tooling; do not call
// while Run is active.
func (w *World) StepOnce(joins []JoinRequest, leaves []string, locks []LockRequest, actions []ActionEnvelope) uint64 {
	t := w.tick.Load()
	w.step(joins, leaves, locks, actions)
	return t
}

func (w *World) step(joins []JoinRequest, leaves []string, locks []LockRequest, actions []ActionEnvelope) {
	nowTick := w.tick.Load()

	for _, id := range leaves {
		w.handleLeave(id, nowTick)
	}
	for _, req := range joins {
		w.handleJoin(req, nowTick)
	}
	for _, req := range locks {
		w.handleLockRequest(req, nowTick)
	}
	w.coord.PollAll(nowTick)

	touched := map[*Session]bool{}
	for _, env := range actions {
		s := w.sessions[env.SessionID]
		if s == nil {
			continue
		}
		w.applyAct(s, env.Act, nowTick)
		touched[s] = true
	}
	w.stepCrafts(nowTick, touched)
	w.flushTags()

	if nowTick%uint64(w.cfg.DayTicks) == uint64(w.cfg.DayTicks-1) {
		w.runAutoOrganize(nowTick)
	}

	for _, s := range sortedSessions(touched) {
		w.sendState(s, nowTick)
	}

	if w.snapshotSink != nil && w.cfg.SnapshotEveryTicks > 0 && nowTick > 0 && nowTick%uint64(w.cfg.SnapshotEveryTicks) == 0 {
		snap := w.ExportSnapshot(nowTick)
		select {
		case w.snapshotSink <- snap:
		default:
		}
	}

	w.tick.Add(1)
}

func (w *World) audit(tick uint64, actor, action string, e AuditEntry) {
	if w.auditLogger == nil {
		return
	}
	e.Tick = tick
	e.Actor = actor
	e.Action = action
	_ = w.auditLogger.WriteAudit(e)
}
