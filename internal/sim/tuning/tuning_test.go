package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Configs(t *testing.T) {
	tu, err := Load(filepath.Join("..", "..", "..", "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.TickRateHz != 5 || tu.DayTicks != 6000 || tu.LockRequestTicks != 20 {
		t.Fatalf("unexpected tuning %+v", tu)
	}
	if len(tu.StarterItems) == 0 {
		t.Fatalf("expected starter items")
	}
}

func TestLoad_KeepsDefaultsForMissingFields(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte("day_ticks: 100\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tu, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.DayTicks != 100 || tu.CraftLockTimeoutTicks != 40 || tu.TagSymbol != "#" {
		t.Fatalf("expected defaults to survive a partial file, got %+v", tu)
	}
}
