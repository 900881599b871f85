package tagstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"stashcraft.ai/internal/sim/world"
)

func TestSQLiteStore_SaveReplacesAndLoads(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "tags.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Save(ctx, "C1", map[string]string{"stashcraft/priority": "3", "othermod/color": "red"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, "C1", map[string]string{"stashcraft/filter": "#fish"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, "C2", map[string]string{"stashcraft/priority": "1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || len(got["C1"]) != 1 || got["C1"]["stashcraft/filter"] != "#fish" {
		t.Fatalf("expected the second save to replace the first, got %+v", got)
	}

	if err := s.Delete(ctx, "C2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = s.Load(ctx)
	if _, ok := got["C2"]; ok {
		t.Fatalf("expected C2 deleted")
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tags.sqlite")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Save(ctx, "C1", map[string]string{"stashcraft/organize_desc": "true"})
	_ = s.Close()

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Load(ctx)
	if err != nil || got["C1"]["stashcraft/organize_desc"] != "true" {
		t.Fatalf("expected tags after reopen, got %+v %v", got, err)
	}
}

func TestPump_WritesUpdates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "tags.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	updates := make(chan world.TagUpdate, 3)
	updates <- world.TagUpdate{ContainerID: "C1", Tags: map[string]string{"stashcraft/priority": "9"}}
	updates <- world.TagUpdate{ContainerID: "C2", Tags: map[string]string{"stashcraft/priority": "2"}}
	updates <- world.TagUpdate{ContainerID: "C2", Removed: true}
	close(updates)

	done := make(chan struct{})
	go func() {
		Pump(ctx, s, updates, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("pump did not return after updates closed")
	}
	got, _ := s.Load(ctx)
	if got["C1"]["stashcraft/priority"] != "9" {
		t.Fatalf("expected the update written, got %+v", got)
	}
	if _, ok := got["C2"]; ok {
		t.Fatalf("expected removed container deleted, got %+v", got)
	}
}
