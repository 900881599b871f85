package model

import (
	"fmt"
	"strings"
)

// Range is both a node's configured reach for an operation and a node's distance class from a
// participant. Disabled < Inventory < Location < World; RangeDefault resolves to the host default.
type Range int

const (
	RangeDefault Range = iota
	RangeDisabled
	RangeInventory
	RangeLocation
	RangeWorld
)

var rangeNames = map[Range]string{
	RangeDefault:   "DEFAULT",
	RangeDisabled:  "DISABLED",
	RangeInventory: "INVENTORY",
	RangeLocation:  "LOCATION",
	RangeWorld:     "WORLD",
}

func (r Range) String() string {
	if s, ok := rangeNames[r]; ok {
		return s
	}
	return fmt.Sprintf("RANGE(%d)", int(r))
}

func ParseRange(s string) (Range, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return RangeDefault, nil
	}
	for r, name := range rangeNames {
		if name == s {
			return r, nil
		}
	}
	return RangeDefault, fmt.Errorf("unknown range %q", s)
}

// Covers reports whether a node configured with r may serve a participant at distance class d.
func (r Range) Covers(d Range) bool {
	return r != RangeDisabled && r != RangeDefault && r >= d
}

type Toggle int

const (
	ToggleDefault Toggle = iota
	ToggleEnabled
	ToggleDisabled
)

func (t Toggle) Resolve(def bool) bool {
	switch t {
	case ToggleEnabled:
		return true
	case ToggleDisabled:
		return false
	}
	return def
}

func (t Toggle) String() string {
	switch t {
	case ToggleEnabled:
		return "ENABLED"
	case ToggleDisabled:
		return "DISABLED"
	}
	return "DEFAULT"
}

func ParseToggle(s string) (Toggle, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "DEFAULT":
		return ToggleDefault, nil
	case "ENABLED", "TRUE":
		return ToggleEnabled, nil
	case "DISABLED", "FALSE":
		return ToggleDisabled, nil
	}
	return ToggleDefault, fmt.Errorf("unknown toggle %q", s)
}

type GroupBy int

const (
	GroupDefault GroupBy = iota
	GroupCategory
	GroupTag
	GroupName
)

var groupNames = []string{"DEFAULT", "CATEGORY", "TAG", "NAME"}

func (g GroupBy) String() string {
	if int(g) >= 0 && int(g) < len(groupNames) {
		return groupNames[g]
	}
	return "DEFAULT"
}

func ParseGroupBy(s string) (GroupBy, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return GroupDefault, nil
	}
	for i, name := range groupNames {
		if name == s {
			return GroupBy(i), nil
		}
	}
	return GroupDefault, fmt.Errorf("unknown group_by %q", s)
}

type SortBy int

const (
	SortDefault SortBy = iota
	SortType
	SortQuality
	SortQuantity
)

var sortNames = []string{"DEFAULT", "TYPE", "QUALITY", "QUANTITY"}

func (s SortBy) String() string {
	if int(s) >= 0 && int(s) < len(sortNames) {
		return sortNames[s]
	}
	return "DEFAULT"
}

func ParseSortBy(s string) (SortBy, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return SortDefault, nil
	}
	for i, name := range sortNames {
		if name == s {
			return SortBy(i), nil
		}
	}
	return SortDefault, fmt.Errorf("unknown sort_by %q", s)
}

// NodeConfig is the per-container feature configuration. Zero values mean "use the host default".
type NodeConfig struct {
	StashRange Range
	CraftRange Range
	Priority   int

	// Distance limits Location-ranged nodes to a radius around the participant; 0 means no limit.
	Distance int

	AutoOrganize Toggle
	StackCombine Toggle
	GroupBy      GroupBy
	SortBy       SortBy

	// OrganizeDesc flips every time organize sorts the node.
	OrganizeDesc bool

	Filter           string
	ExcludeLocations []string
}
