package storage

import (
	"sort"

	"stashcraft.ai/internal/sim/model"
)

// Source is the world-side view the registry enumerates containers from.
type Source interface {
	Containers() []*model.Container
	// Alive reports whether c still exists in a tracked location or inventory.
	Alive(c *model.Container) bool
}

// Registry hands out one Node per container and caches the scoped node lists. The caches are
// refreshed on the notifications below; stale nodes found on access are evicted.
type Registry struct {
	src      Source
	defaults *Defaults

	nodes map[*model.Container]*Node
	byID  map[string]*Node

	all   []*Node
	dirty bool
	near  map[string][]*Node
	inv   map[string][]*Node
}

func NewRegistry(src Source, d Defaults) *Registry {
	d = d.normalized()
	return &Registry{
		src:      src,
		defaults: &d,
		nodes:    map[*model.Container]*Node{},
		byID:     map[string]*Node{},
		dirty:    true,
		near:     map[string][]*Node{},
		inv:      map[string][]*Node{},
	}
}

func (r *Registry) Defaults() Defaults { return *r.defaults }

// SetDefaults changes the fallbacks for every node, including ones already handed out.
func (r *Registry) SetDefaults(d Defaults) {
	*r.defaults = d.normalized()
	for _, n := range r.nodes {
		n.compiled = false
	}
}

// Node returns the node for c, creating it on first sight.
func (r *Registry) Node(c *model.Container) *Node {
	if n, ok := r.nodes[c]; ok {
		return n
	}
	n := &Node{c: c, defaults: r.defaults}
	r.nodes[c] = n
	r.byID[c.ID] = n
	return n
}

func (r *Registry) Lookup(id string) (*Node, bool) {
	r.refresh()
	n, ok := r.byID[id]
	if !ok || !r.Valid(n) {
		return nil, false
	}
	return n, true
}

// Valid reports whether n's container still exists, evicting n if not.
func (r *Registry) Valid(n *Node) bool {
	if n == nil {
		return false
	}
	if r.src.Alive(n.c) {
		return true
	}
	r.evict(n)
	return false
}

func (r *Registry) evict(n *Node) {
	if r.nodes[n.c] != n {
		return
	}
	delete(r.nodes, n.c)
	if r.byID[n.c.ID] == n {
		delete(r.byID, n.c.ID)
	}
	r.dirty = true
	r.near = map[string][]*Node{}
	r.inv = map[string][]*Node{}
}

func (r *Registry) refresh() {
	if !r.dirty {
		return
	}
	seen := map[*model.Container]bool{}
	r.all = r.all[:0]
	for _, c := range r.src.Containers() {
		if c == nil || seen[c] {
			continue
		}
		seen[c] = true
		r.all = append(r.all, r.Node(c))
	}
	for c, n := range r.nodes {
		if !seen[c] {
			delete(r.nodes, c)
			if r.byID[c.ID] == n {
				delete(r.byID, c.ID)
			}
		}
	}
	sort.Slice(r.all, func(i, j int) bool { return r.all[i].ID() < r.all[j].ID() })
	r.dirty = false
}

// live filters cached nodes through Valid. Eviction may dirty the caches, so it works on a copy.
func (r *Registry) live(nodes []*Node) []*Node {
	out := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		if r.Valid(n) {
			out = append(out, n)
		}
	}
	return out
}

// AllNodes returns every tracked node, placed or held, in id order.
func (r *Registry) AllNodes() []*Node {
	r.refresh()
	return r.live(r.all)
}

// NodesNear returns the placed nodes in location, limited to radius around pos when radius > 0.
func (r *Registry) NodesNear(location string, pos model.Vec2, radius int) []*Node {
	r.refresh()
	cached, ok := r.near[location]
	if !ok {
		for _, n := range r.all {
			if n.c.Placed() && n.c.Location == location {
				cached = append(cached, n)
			}
		}
		r.near[location] = cached
	}
	nodes := r.live(cached)
	if radius <= 0 {
		return nodes
	}
	out := nodes[:0]
	for _, n := range nodes {
		if model.DistSq(*n.c.Pos, pos) <= radius*radius {
			out = append(out, n)
		}
	}
	return out
}

// NodesInInventory returns the containers carried by owner.
func (r *Registry) NodesInInventory(owner string) []*Node {
	r.refresh()
	cached, ok := r.inv[owner]
	if !ok {
		for _, n := range r.all {
			if n.c.HeldBy == owner {
				cached = append(cached, n)
			}
		}
		r.inv[owner] = cached
	}
	return r.live(cached)
}

// InventoryChanged drops the cached inventory scope of owner.
func (r *Registry) InventoryChanged(owner string) {
	delete(r.inv, owner)
}

// LocationEntered drops the cached scope of location so the next query re-enumerates it.
func (r *Registry) LocationEntered(location string) {
	delete(r.near, location)
}

// ContainersChanged forces a full re-enumeration, e.g. after a container was placed or picked up.
func (r *Registry) ContainersChanged() {
	r.dirty = true
	r.near = map[string][]*Node{}
	r.inv = map[string][]*Node{}
}
