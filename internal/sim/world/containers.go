package world

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"stashcraft.ai/internal/protocol"
	"stashcraft.ai/internal/sim/lock"
	"stashcraft.ai/internal/sim/model"
	"stashcraft.ai/internal/sim/storage"
)

// Containers implements storage.Source.
func (w *World) Containers() []*model.Container {
	out := make([]*model.Container, 0, len(w.containers))
	for _, c := range w.containers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Alive implements storage.Source.
func (w *World) Alive(c *model.Container) bool {
	return c != nil && w.containers[c.ID] == c
}

// AddContainer registers c, assigning an id when it has none.
func (w *World) AddContainer(c *model.Container) error {
	if c == nil {
		return fmt.Errorf("nil container")
	}
	if c.ID == "" {
		c.ID = fmt.Sprintf("C%d", w.nextContainerNum.Add(1))
		for w.containers[c.ID] != nil {
			c.ID = fmt.Sprintf("C%d", w.nextContainerNum.Add(1))
		}
	}
	if _, dup := w.containers[c.ID]; dup {
		return fmt.Errorf("duplicate container %s", c.ID)
	}
	if c.Capacity > 0 && len(c.Slots) < c.Capacity {
		c.Slots = append(c.Slots, make([]*model.Stack, c.Capacity-len(c.Slots))...)
	}
	w.containers[c.ID] = c
	w.registry.ContainersChanged()
	return nil
}

// RemoveContainer destroys a container; any lock on it is dropped.
func (w *World) RemoveContainer(id string) bool {
	if _, found := w.containers[id]; !found {
		return false
	}
	delete(w.containers, id)
	w.registry.ContainersChanged()
	w.sendTags(TagUpdate{ContainerID: id, Removed: true})
	if ev, held := w.arbiter.Forget(lock.NodeID(id), w.tick.Load()); held {
		w.publishLock(ev)
	}
	return true
}

type seedFile struct {
	Containers []seedContainer `yaml:"containers"`
}

type seedContainer struct {
	ID       string            `yaml:"id"`
	Kind     string            `yaml:"kind"`
	Location string            `yaml:"location"`
	Pos      *[2]int           `yaml:"pos"`
	HeldBy   string            `yaml:"held_by"`
	Capacity int               `yaml:"capacity"`
	Tags     map[string]string `yaml:"tags"`
	Items    []seedItem        `yaml:"items"`
}

type seedItem struct {
	Item   string `yaml:"item"`
	Count  int    `yaml:"count"`
	Locked bool   `yaml:"locked"`
}

// LoadSeedContainers places the containers listed in a YAML seed file. Tags use the same
// namespaced keys as the tag store.
func (w *World) LoadSeedContainers(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for _, sc := range f.Containers {
		cfg, foreign, err := w.codec.DecodeContainer(sc.Tags)
		if err != nil {
			return fmt.Errorf("container %s: %w", sc.ID, err)
		}
		c := &model.Container{
			ID:       sc.ID,
			Kind:     sc.Kind,
			Location: sc.Location,
			HeldBy:   sc.HeldBy,
			Capacity: sc.Capacity,
			Config:   cfg,
			Tags:     foreign,
		}
		if sc.Pos != nil && sc.HeldBy == "" {
			c.Pos = &model.Vec2{X: sc.Pos[0], Y: sc.Pos[1]}
		}
		for _, it := range sc.Items {
			st, err := w.catalogs.Items.Stack(it.Item, it.Count)
			if err != nil {
				return fmt.Errorf("container %s: %w", sc.ID, err)
			}
			st.Locked = it.Locked
			if got := c.Insert(st, true); got != it.Count {
				return fmt.Errorf("container %s: %s does not fit", sc.ID, it.Item)
			}
		}
		if err := w.AddContainer(c); err != nil {
			return err
		}
	}
	return nil
}

// ApplyStoredTags overlays tags loaded from the tag store onto known containers. Unknown
// container ids are ignored.
func (w *World) ApplyStoredTags(stored map[string]map[string]string) error {
	ids := make([]string, 0, len(stored))
	for id := range stored {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c := w.containers[id]
		if c == nil {
			continue
		}
		cfg, foreign, err := w.codec.DecodeContainer(stored[id])
		if err != nil {
			return fmt.Errorf("container %s: %w", id, err)
		}
		c.Config = cfg
		c.Tags = foreign
	}
	w.registry.SetDefaults(w.registry.Defaults())
	return nil
}

func (w *World) persistTags(c *model.Container) {
	w.sendTags(TagUpdate{ContainerID: c.ID, Tags: w.codec.EncodeContainer(c)})
}

// sendTags queues up behind any waiting writes. Updates replace all tags of a container, so only
// the latest one per container is kept.
func (w *World) sendTags(up TagUpdate) {
	if w.tagSink == nil {
		return
	}
	if w.tagBacklog == nil {
		w.tagBacklog = map[string]TagUpdate{}
	}
	w.tagBacklog[up.ContainerID] = up
	w.flushTags()
}

func (w *World) flushTags() {
	defer func() { w.tagBacklogN.Store(int64(len(w.tagBacklog))) }()
	if w.tagSink == nil || len(w.tagBacklog) == 0 {
		return
	}
	ids := make([]string, 0, len(w.tagBacklog))
	for id := range w.tagBacklog {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		select {
		case w.tagSink <- w.tagBacklog[id]:
			delete(w.tagBacklog, id)
		default:
			return
		}
	}
}

func (w *World) nodeConfigMsg(nowTick uint64, full bool, nodes []*storage.Node) protocol.NodeConfigMsg {
	msg := protocol.NodeConfigMsg{
		Type:            protocol.TypeNodeConfig,
		ProtocolVersion: protocol.Version,
		Tick:            nowTick,
		Full:            full,
		Nodes:           make([]protocol.NodeEntry, 0, len(nodes)),
	}
	for _, n := range nodes {
		c := n.Container()
		e := protocol.NodeEntry{
			NodeID:   c.ID,
			Kind:     c.Kind,
			Location: c.Location,
			HeldBy:   c.HeldBy,
			Capacity: c.Capacity,
			Tags:     w.codec.EncodeContainer(c),
		}
		if c.Pos != nil {
			e.Pos = &[2]int{c.Pos.X, c.Pos.Y}
		}
		msg.Nodes = append(msg.Nodes, e)
	}
	return msg
}
