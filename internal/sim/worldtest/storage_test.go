package worldtest

import (
	"context"
	"path/filepath"
	"testing"

	"stashcraft.ai/internal/persistence/tagstore"
	"stashcraft.ai/internal/protocol"
	"stashcraft.ai/internal/sim/world"
)

func TestStash_RangeAndPriority(t *testing.T) {
	h := NewHarness(t, DefaultConfig(t))
	h.AddNode("TOWN_BOX", "Town", 9, map[string]string{"priority": "1"})
	h.AddNode("FISH_VAULT", "Mine", 9, map[string]string{"stash_range": "WORLD", "priority": "5", "filter": "#fish"})
	h.AddNode("MINE_BOX", "Mine", 9, nil)
	p := h.Join("p")
	h.Give(p, h.Stack("SALMON", 6), h.Stack("OAK_LOG", 4))

	res := h.Act(p, protocol.Intent{ID: "s", Type: protocol.IntentStash})
	if len(res) != 1 || !res[0].OK {
		t.Fatalf("expected stash ok, got %+v", res)
	}
	if got := Count(h.Node("FISH_VAULT"), "SALMON"); got != 6 {
		t.Fatalf("expected fish in the world-range vault, got %d", got)
	}
	if got := Count(h.Node("TOWN_BOX"), "OAK_LOG"); got != 4 {
		t.Fatalf("expected logs in the local box, got %d", got)
	}
	if slots := h.Node("MINE_BOX").Slots; len(slots) != 0 {
		t.Fatalf("location-range node elsewhere must stay empty, got %+v", slots)
	}
	if len(h.State(p).Inventory) != 0 {
		t.Fatalf("expected empty inventory, got %+v", h.State(p).Inventory)
	}
}

func TestHeldNode_RefusesOtherParticipants(t *testing.T) {
	h := NewHarness(t, DefaultConfig(t))
	h.AddNode("SATCHEL", "Town", 4, nil)
	owner := h.Join("owner")
	other := h.Join("other")

	if res := h.Act(owner, protocol.Intent{ID: "up", Type: protocol.IntentPickup, NodeID: "SATCHEL"}); len(res) != 1 || !res[0].OK {
		t.Fatalf("pickup: %+v", res)
	}
	res := h.Act(other, protocol.Intent{ID: "cfg", Type: protocol.IntentSetConfig, NodeID: "SATCHEL", Config: map[string]string{"priority": "2"}})
	if len(res) != 1 || res[0].Code != protocol.ErrNoPermission {
		t.Fatalf("expected %s, got %+v", protocol.ErrNoPermission, res)
	}
	if n := h.Node("SATCHEL"); n.HeldBy != owner || n.Location != "" {
		t.Fatalf("expected node held by owner, got %+v", n)
	}
}

func TestDayEnd_AlternatesSortDirection(t *testing.T) {
	cfg := DefaultConfig(t)
	cfg.DayTicks = 4
	h := NewHarness(t, cfg)
	h.AddNode("PANTRY", "Farm", 9, map[string]string{"auto_organize": "ENABLED", "sort_by": "QUANTITY"},
		h.Stack("SALMON", 5), h.Stack("CARP", 2), h.Stack("BERRY", 9))

	order := func() []string {
		var out []string
		for _, s := range h.Node("PANTRY").Slots {
			out = append(out, s.Item)
		}
		return out
	}
	for i := 0; i < 4; i++ {
		h.Step()
	}
	if got := order(); len(got) != 3 || got[0] != "BERRY" || got[2] != "CARP" {
		t.Fatalf("first day should sort largest first, got %v", got)
	}
	if h.Node("PANTRY").Tags["stashcraft/organize_desc"] != "true" {
		t.Fatalf("expected direction persisted as a tag")
	}
	for i := 0; i < 4; i++ {
		h.Step()
	}
	if got := order(); got[0] != "CARP" || got[2] != "BERRY" {
		t.Fatalf("second day should sort smallest first, got %v", got)
	}
	if len(h.Audit.Find("HOST", "ORGANIZE")) != 2 {
		t.Fatalf("expected two organize audits")
	}
}

func TestSnapshot_KeepsConfigAndForeignTags(t *testing.T) {
	h := NewHarness(t, DefaultConfig(t))
	h.AddNode("C1", "Town", 9, nil, h.Stack("PLANK", 3))
	p := h.Join("p")
	res := h.Act(p, protocol.Intent{ID: "cfg", Type: protocol.IntentSetConfig, NodeID: "C1", Config: map[string]string{
		"priority":       "7",
		"filter":         "#wood",
		"othermod/color": "red",
	}})
	if len(res) != 1 || !res[0].OK {
		t.Fatalf("set config: %+v", res)
	}
	cfgs := h.NodeConfigs(p)
	if last := cfgs[len(cfgs)-1]; last.Full || len(last.Nodes) != 1 || last.Nodes[0].Tags["stashcraft/priority"] != "7" {
		t.Fatalf("expected a partial NODE_CONFIG for C1, got %+v", last)
	}

	w2, err := world.New(DefaultConfig(t), h.Cats)
	if err != nil {
		t.Fatal(err)
	}
	if err := w2.ImportSnapshot(h.Snapshot()); err != nil {
		t.Fatalf("import: %v", err)
	}
	c := NewHarnessWithWorld(t, w2, h.Cats).Node("C1")
	if c.Tags["stashcraft/priority"] != "7" || c.Tags["stashcraft/filter"] != "#wood" || c.Tags["othermod/color"] != "red" {
		t.Fatalf("tags lost across reload: %+v", c.Tags)
	}
	if Count(c, "PLANK") != 3 {
		t.Fatalf("items lost across reload: %+v", c.Slots)
	}
}

func TestTagStore_NewerConfigWinsOverSnapshot(t *testing.T) {
	ctx := context.Background()
	store, err := tagstore.OpenSQLite(filepath.Join(t.TempDir(), "tags.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	h := NewHarness(t, DefaultConfig(t))
	updates := make(chan world.TagUpdate, 16)
	h.W.SetTagSink(updates)
	h.AddNode("C1", "Town", 9, map[string]string{"priority": "1"})
	p := h.Join("p")
	before := h.Snapshot()

	h.Act(p, protocol.Intent{ID: "cfg", Type: protocol.IntentSetConfig, NodeID: "C1", Config: map[string]string{"priority": "4"}})
	close(updates)
	tagstore.Pump(ctx, store, updates, nil)

	w2, err := world.New(DefaultConfig(t), h.Cats)
	if err != nil {
		t.Fatal(err)
	}
	if err := w2.ImportSnapshot(before); err != nil {
		t.Fatalf("import: %v", err)
	}
	stored, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := w2.ApplyStoredTags(stored); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := NewHarnessWithWorld(t, w2, h.Cats).Node("C1").Tags["stashcraft/priority"]; got != "4" {
		t.Fatalf("expected stored priority 4 to win, got %q", got)
	}
}
