package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz         int `yaml:"tick_rate_hz"`
	DayTicks           int `yaml:"day_ticks"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`

	// LockRequestTicks bounds how long a single claim may stay Requested.
	LockRequestTicks      int `yaml:"lock_request_ticks"`
	CraftLockTimeoutTicks int `yaml:"craft_lock_timeout_ticks"`

	InventorySlots int    `yaml:"inventory_slots"`
	TagSymbol      string `yaml:"tag_symbol"`
	TagNamespace   string `yaml:"tag_namespace"`

	DefaultStashRange   string `yaml:"default_stash_range"`
	DefaultCraftRange   string `yaml:"default_craft_range"`
	DefaultStackCombine bool   `yaml:"default_stack_combine"`
	DefaultAutoOrganize bool   `yaml:"default_auto_organize"`

	StarterItems []StarterItem `yaml:"starter_items"`
}

type StarterItem struct {
	Item  string `yaml:"item"`
	Count int    `yaml:"count"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:       "1.0",
		TickRateHz:            5,
		DayTicks:              6000,
		SnapshotEveryTicks:    3000,
		LockRequestTicks:      20,
		CraftLockTimeoutTicks: 40,
		InventorySlots:        36,
		TagSymbol:             "#",
		TagNamespace:          "stashcraft",
		DefaultStashRange:     "LOCATION",
		DefaultCraftRange:     "LOCATION",
		DefaultStackCombine:   true,
	}
}

// Load reads path over Defaults(); fields missing from the file keep their default.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if t.TickRateHz <= 0 || t.DayTicks <= 0 {
		return t, fmt.Errorf("tuning.yaml: tick_rate_hz and day_ticks must be positive")
	}
	return t, nil
}
