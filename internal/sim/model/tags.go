package model

import (
	"fmt"
	"strconv"
	"strings"
)

const DefaultNamespace = "stashcraft"

const (
	tagStashRange   = "stash_range"
	tagCraftRange   = "craft_range"
	tagPriority     = "priority"
	tagDistance     = "distance"
	tagAutoOrganize = "auto_organize"
	tagStackCombine = "stack_combine"
	tagGroupBy      = "group_by"
	tagSortBy       = "sort_by"
	tagOrganizeDesc = "organize_desc"
	tagFilter       = "filter"
	tagExclude      = "exclude_locations"
	tagLocked       = "locked"
)

// TagCodec maps typed configuration to the namespaced key/value tags stored on containers and
// items. Keys outside the namespace belong to other features and are passed through untouched.
type TagCodec struct {
	Namespace string
}

func (c TagCodec) prefix() string {
	ns := strings.TrimSpace(c.Namespace)
	if ns == "" {
		ns = DefaultNamespace
	}
	return ns + "/"
}

func (c TagCodec) Key(name string) string { return c.prefix() + name }

// EncodeContainer returns the container's foreign tags merged with its encoded configuration.
// Default-valued fields are omitted.
func (c TagCodec) EncodeContainer(ct *Container) map[string]string {
	out := make(map[string]string, len(ct.Tags)+4)
	for k, v := range ct.Tags {
		out[k] = v
	}
	for k, v := range c.EncodeConfig(ct.Config) {
		out[k] = v
	}
	return out
}

func (c TagCodec) EncodeConfig(cfg NodeConfig) map[string]string {
	out := map[string]string{}
	put := func(name, v string) { out[c.Key(name)] = v }
	if cfg.StashRange != RangeDefault {
		put(tagStashRange, cfg.StashRange.String())
	}
	if cfg.CraftRange != RangeDefault {
		put(tagCraftRange, cfg.CraftRange.String())
	}
	if cfg.Priority != 0 {
		put(tagPriority, strconv.Itoa(cfg.Priority))
	}
	if cfg.Distance != 0 {
		put(tagDistance, strconv.Itoa(cfg.Distance))
	}
	if cfg.AutoOrganize != ToggleDefault {
		put(tagAutoOrganize, cfg.AutoOrganize.String())
	}
	if cfg.StackCombine != ToggleDefault {
		put(tagStackCombine, cfg.StackCombine.String())
	}
	if cfg.GroupBy != GroupDefault {
		put(tagGroupBy, cfg.GroupBy.String())
	}
	if cfg.SortBy != SortDefault {
		put(tagSortBy, cfg.SortBy.String())
	}
	if cfg.OrganizeDesc {
		put(tagOrganizeDesc, "true")
	}
	if cfg.Filter != "" {
		put(tagFilter, cfg.Filter)
	}
	if len(cfg.ExcludeLocations) > 0 {
		put(tagExclude, strings.Join(cfg.ExcludeLocations, ","))
	}
	return out
}

// DecodeContainer splits tags into the typed configuration and the foreign remainder.
func (c TagCodec) DecodeContainer(tags map[string]string) (NodeConfig, map[string]string, error) {
	foreign := map[string]string{}
	for k, v := range tags {
		if !strings.HasPrefix(k, c.prefix()) {
			foreign[k] = v
		}
	}
	cfg, err := c.DecodeConfig(tags)
	return cfg, foreign, err
}

func (c TagCodec) DecodeConfig(tags map[string]string) (NodeConfig, error) {
	var cfg NodeConfig
	var err error
	for k, v := range tags {
		name, ok := strings.CutPrefix(k, c.prefix())
		if !ok {
			continue
		}
		switch name {
		case tagStashRange:
			cfg.StashRange, err = ParseRange(v)
		case tagCraftRange:
			cfg.CraftRange, err = ParseRange(v)
		case tagPriority:
			cfg.Priority, err = strconv.Atoi(strings.TrimSpace(v))
		case tagDistance:
			cfg.Distance, err = strconv.Atoi(strings.TrimSpace(v))
		case tagAutoOrganize:
			cfg.AutoOrganize, err = ParseToggle(v)
		case tagStackCombine:
			cfg.StackCombine, err = ParseToggle(v)
		case tagGroupBy:
			cfg.GroupBy, err = ParseGroupBy(v)
		case tagSortBy:
			cfg.SortBy, err = ParseSortBy(v)
		case tagOrganizeDesc:
			cfg.OrganizeDesc, err = strconv.ParseBool(strings.TrimSpace(v))
		case tagFilter:
			cfg.Filter = v
		case tagExclude:
			cfg.ExcludeLocations = splitList(v)
		}
		if err != nil {
			return cfg, fmt.Errorf("tag %s: %w", k, err)
		}
	}
	return cfg, nil
}

func (c TagCodec) EncodeStack(st *Stack) map[string]string {
	if st == nil || !st.Locked {
		return nil
	}
	return map[string]string{c.Key(tagLocked): "true"}
}

func (c TagCodec) DecodeLocked(tags map[string]string) bool {
	v, ok := tags[c.Key(tagLocked)]
	if !ok {
		return false
	}
	b, _ := strconv.ParseBool(strings.TrimSpace(v))
	return b
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
