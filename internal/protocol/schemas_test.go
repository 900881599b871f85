package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"stashcraft.ai/internal/protocol"
)

func compile(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// roundTrip marshals a Go message so the schemas are checked against what the server really sends.
func roundTrip(t *testing.T, msg any) any {
	t.Helper()
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return v
}

func TestSchemas_ValidateMessages(t *testing.T) {
	slot := 3
	cases := []struct {
		schema string
		msg    any
	}{
		{"hello.schema.json", protocol.HelloMsg{
			Type: protocol.TypeHello, ProtocolVersion: protocol.Version, ParticipantName: "bot1",
			Auth: &protocol.HelloAuth{Token: "t"},
		}},
		{"welcome.schema.json", protocol.WelcomeMsg{
			Type: protocol.TypeWelcome, ProtocolVersion: protocol.Version, ParticipantID: "P1", SessionID: "S1",
			WorldParams: protocol.WorldParams{TickRateHz: 5, DayTicks: 6000, LockRequestTicks: 20,
				CraftLockTimeoutTicks: 40, TagSymbol: "#", TagNamespace: "stashcraft"},
			Catalogs: protocol.CatalogDigests{ItemsDigest: "deadbeef", RecipesDigest: "deadbeef"},
		}},
		{"node_config.schema.json", protocol.NodeConfigMsg{
			Type: protocol.TypeNodeConfig, ProtocolVersion: protocol.Version, Tick: 1, Full: true,
			Nodes: []protocol.NodeEntry{{NodeID: "C1", Location: "Farm", Pos: &[2]int{1, 2}, Capacity: 36,
				Tags: map[string]string{"stashcraft/priority": "10"}}},
		}},
		{"lock.schema.json", protocol.LockMsg{
			Type: protocol.TypeLock, ProtocolVersion: protocol.Version, Op: protocol.LockClaim, NodeID: "C1",
		}},
		{"lock_event.schema.json", protocol.LockEventMsg{
			Type: protocol.TypeLockEvent, ProtocolVersion: protocol.Version, Verdict: "DENIED",
			NodeID: "C1", Requester: "P2", Holder: "P1", Tick: 9,
		}},
		{"act.schema.json", protocol.ActMsg{
			Type: protocol.TypeAct, ProtocolVersion: protocol.Version, ID: "A1",
			Intents: []protocol.Intent{
				{ID: "I1", Type: protocol.IntentMove, Location: "Farm", Pos: &[2]int{3, 4}},
				{ID: "I2", Type: protocol.IntentStash},
				{ID: "I3", Type: protocol.IntentCraft, RecipeID: "plank", Batch: 2},
				{ID: "I4", Type: protocol.IntentSetConfig, NodeID: "C1", Config: map[string]string{"priority": "3"}},
				{ID: "I5", Type: protocol.IntentLockSlot, Slot: &slot, Locked: true},
				{ID: "I6", Type: protocol.IntentPickup, NodeID: "C1"},
				{ID: "I7", Type: protocol.IntentDestroy, NodeID: "C2"},
			},
		}},
		{"result.schema.json", protocol.ResultMsg{
			Type: protocol.TypeResult, ProtocolVersion: protocol.Version, Ref: "I3", Kind: protocol.IntentCraft,
			Code: protocol.ErrLockTimeout, Message: "lock acquisition timed out", Tick: 12,
		}},
		{"state.schema.json", protocol.StateMsg{
			Type: protocol.TypeState, ProtocolVersion: protocol.Version, Tick: 12, ParticipantID: "P1",
			Location: "Farm", Inventory: []protocol.ItemStack{{Slot: 0, Item: "OAK_LOG", Count: 4}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.schema, func(t *testing.T) {
			if err := compile(t, tc.schema).Validate(roundTrip(t, tc.msg)); err != nil {
				t.Fatalf("validate: %v", err)
			}
		})
	}
}

func TestSchemas_RejectMalformed(t *testing.T) {
	var act any
	_ = json.Unmarshal([]byte(`{
	  "type":"ACT",
	  "protocol_version":"1.0",
	  "id":"A1",
	  "intents":[{"id":"I1","type":"CRAFT"}]
	}`), &act)
	if err := compile(t, "act.schema.json").Validate(act); err == nil {
		t.Fatalf("expected CRAFT without recipe_id to be rejected")
	}

	var lock any
	_ = json.Unmarshal([]byte(`{"type":"LOCK","protocol_version":"1.0","op":"STEAL","node_id":"C1"}`), &lock)
	if err := compile(t, "lock.schema.json").Validate(lock); err == nil {
		t.Fatalf("expected unknown lock op to be rejected")
	}
}
