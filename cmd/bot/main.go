package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"stashcraft.ai/internal/protocol"
	"stashcraft.ai/internal/sim/lock"
	"stashcraft.ai/internal/transport/ws"
)

// bot is a remote participant: it keeps its own lock replica, takes every listed node
// all-or-nothing, reconfigures them, stashes, then lets go.
func main() {
	var (
		url   = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name  = flag.String("name", "bot", "participant name")
		token = flag.String("token", os.Getenv("SC_TOKEN"), "participant token (optional)")
		nodes = flag.String("nodes", "TOWN_CHEST_1,TOWN_CHEST_2", "comma-separated node ids to lock together")
		every = flag.Int("every", 50, "ticks between cycles")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := ws.Dial(ctx, *url, *name, *token)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer c.Close()
	params := c.Welcome.WorldParams
	logger.Printf("WELCOME participant_id=%s tick_rate=%d day_ticks=%d", c.ParticipantID(), params.TickRateHz, params.DayTicks)

	var ids []lock.NodeID
	for _, s := range strings.Split(*nodes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			ids = append(ids, lock.NodeID(s))
		}
	}

	coord := lock.NewCoordinator(c, uint64(params.LockRequestTicks))
	hz := params.TickRateHz
	if hz <= 0 {
		hz = 5
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	b := &cycler{
		coord:   coord,
		act:     c,
		pid:     c.ParticipantID(),
		ids:     ids,
		every:   uint64(max(*every, 0)),
		timeout: uint64(params.CraftLockTimeoutTicks),
		logger:  logger,
	}
	var tick uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			logger.Printf("disconnected: %v", c.Err())
			return
		case msg := <-c.Messages():
			if r, ok := logMessage(logger, msg); ok {
				b.onResult(r)
			}
		case <-ticker.C:
			tick++
			c.Deliver(coord)
			coord.PollAll(tick)
			b.onTick(tick)
		}
	}
}

type actor interface {
	Act(id string, intents ...protocol.Intent) error
}

// cycler runs the lock, configure, stash, release loop. The locks stay held until the host
// answers the stash, so the host never sees the release before the mutation.
type cycler struct {
	coord   *lock.Coordinator
	act     actor
	pid     string
	ids     []lock.NodeID
	every   uint64
	timeout uint64
	logger  *log.Logger

	cycle    int
	acq      *lock.Acquisition
	awaiting string
	sentAt   uint64
}

func (b *cycler) onTick(tick uint64) {
	if b.acq == nil {
		if b.every > 0 && tick%b.every == 0 {
			b.acq = lock.Acquire(b.coord, b.pid, b.ids, tick, b.timeout)
		}
		return
	}
	if b.awaiting != "" {
		// A RESULT can be lost on a slow connection; do not hold the nodes forever.
		if tick >= b.sentAt+max(b.every, b.timeout) {
			b.logger.Printf("no result for %s after %d ticks; releasing", b.awaiting, tick-b.sentAt)
			b.release()
		}
		return
	}
	switch b.acq.Step(tick) {
	case lock.Acquired:
		b.cycle++
		ref, err := b.runCycle()
		if err != nil {
			b.logger.Printf("act: %v", err)
			b.release()
			return
		}
		b.awaiting, b.sentAt = ref, tick
	case lock.Failed:
		b.logger.Printf("could not lock %v within %d ticks", b.ids, b.timeout)
		b.acq = nil
	}
}

func (b *cycler) onResult(r protocol.ResultMsg) {
	if b.awaiting != "" && r.Ref == b.awaiting {
		b.release()
	}
}

func (b *cycler) release() {
	if b.acq != nil {
		b.acq.Release()
	}
	b.acq = nil
	b.awaiting = ""
}

// runCycle sends one ACT and returns the ref of its final intent.
func (b *cycler) runCycle() (string, error) {
	var intents []protocol.Intent
	for i, id := range b.ids {
		intents = append(intents, protocol.Intent{
			ID:     fmt.Sprintf("cfg_%d_%d", b.cycle, i),
			Type:   protocol.IntentSetConfig,
			NodeID: string(id),
			Config: map[string]string{"priority": fmt.Sprint((b.cycle + i) % 10)},
		})
	}
	ref := fmt.Sprintf("stash_%d", b.cycle)
	intents = append(intents, protocol.Intent{ID: ref, Type: protocol.IntentStash})
	return ref, b.act.Act(fmt.Sprintf("A_%d", b.cycle), intents...)
}

func logMessage(logger *log.Logger, msg []byte) (protocol.ResultMsg, bool) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return protocol.ResultMsg{}, false
	}
	switch base.Type {
	case protocol.TypeResult:
		var r protocol.ResultMsg
		if json.Unmarshal(msg, &r) == nil {
			logger.Printf("RESULT ref=%s ok=%v code=%s %s", r.Ref, r.OK, r.Code, r.Message)
			return r, true
		}
	case protocol.TypeState:
		var s protocol.StateMsg
		if json.Unmarshal(msg, &s) == nil {
			logger.Printf("STATE tick=%d location=%s stacks=%d", s.Tick, s.Location, len(s.Inventory))
		}
	}
	return protocol.ResultMsg{}, false
}
