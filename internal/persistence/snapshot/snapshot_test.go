package snapshot

import (
	"path/filepath"
	"testing"
)

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots", "100.snap.zst")
	snap := SnapshotV1{
		Header:       Header{Version: Version, WorldID: "w1", Tick: 100},
		TickRate:     5,
		DayTicks:     6000,
		TagNamespace: "stashcraft",
		Containers: []ContainerV1{{
			ID: "C1", Kind: "chest", Location: "Farm", Pos: &[2]int{1, 2}, Capacity: 4,
			Slots: []StackV1{{Slot: 2, Item: "GEM", Count: 1, Tags: map[string]string{"stashcraft/locked": "true"}}},
			Tags:  map[string]string{"stashcraft/priority": "10", "othermod/color": "red"},
		}},
		Participants: []ParticipantV1{{ID: "P1", Name: "alice", Location: "Farm", Slots: 36}},
		Counters:     CountersV1{NextContainer: 2},
	}
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	h, err := ReadHeader(path)
	if err != nil || h.Tick != 100 || h.WorldID != "w1" {
		t.Fatalf("header: %+v %v", h, err)
	}
	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	c := got.Containers[0]
	if c.Tags["othermod/color"] != "red" || c.Slots[0].Slot != 2 || c.Slots[0].Tags["stashcraft/locked"] != "true" {
		t.Fatalf("container did not survive: %+v", c)
	}
	if got.Counters.NextContainer != 2 || got.Participants[0].Name != "alice" {
		t.Fatalf("unexpected snapshot %+v", got)
	}
}

func TestReadRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.snap.zst")
	if err := WriteSnapshot(path, SnapshotV1{Header: Header{Version: 99}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadSnapshot(path); err == nil {
		t.Fatalf("expected version error")
	}
}
