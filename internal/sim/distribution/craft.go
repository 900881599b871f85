package distribution

import (
	"fmt"

	"github.com/google/uuid"

	"stashcraft.ai/internal/sim/lock"
	"stashcraft.ai/internal/sim/model"
	"stashcraft.ai/internal/sim/storage"
)

// Ingredient matches stacks by item id, or by tag when Item is empty.
type Ingredient struct {
	Item  string
	Tag   string
	Count int
}

func (in Ingredient) Matches(st *model.Stack) bool {
	if st == nil || st.Locked {
		return false
	}
	if in.Item != "" {
		return st.Item == in.Item
	}
	return in.Tag != "" && st.HasTag(in.Tag)
}

func (in Ingredient) String() string {
	if in.Item != "" {
		return fmt.Sprintf("%dx%s", in.Count, in.Item)
	}
	return fmt.Sprintf("%dx#%s", in.Count, in.Tag)
}

type Recipe struct {
	ID      string
	Inputs  []Ingredient
	Outputs []*model.Stack
}

type take struct {
	slots []*model.Stack
	index int
	item  string
	n     int
}

// Plan is a validated allocation of a craft over the inventory and a set of nodes.
type Plan struct {
	Recipe Recipe
	Batch  int
	// Nodes are the nodes that contribute at least one stack, in resolver order.
	Nodes []*storage.Node

	inv   *model.Inventory
	takes []take
}

// PlanCraft allocates batch crafts of r from inv first (highest slot first) and then from nodes
// in the given order (lowest slot first). Nothing is mutated.
func PlanCraft(r Recipe, batch int, inv *model.Inventory, nodes []*storage.Node) (*Plan, error) {
	if batch <= 0 {
		batch = 1
	}
	p := &Plan{Recipe: r, Batch: batch, inv: inv}
	used := map[*model.Stack]int{}
	contributes := map[*storage.Node]bool{}

	for _, in := range r.Inputs {
		need := in.Count * batch
		for i := len(inv.Slots) - 1; i >= 0 && need > 0; i-- {
			need -= p.alloc(inv.Slots, i, in, need, used)
		}
		for _, n := range nodes {
			if need == 0 {
				break
			}
			slots := n.Slots()
			for i := 0; i < len(slots) && need > 0; i++ {
				got := p.alloc(slots, i, in, need, used)
				if got > 0 {
					contributes[n] = true
					need -= got
				}
			}
		}
		if need > 0 {
			return nil, fmt.Errorf("%w: %s short by %d", ErrUnsatisfiable, in, need)
		}
	}
	for _, n := range nodes {
		if contributes[n] {
			p.Nodes = append(p.Nodes, n)
		}
	}
	if !p.outputsFit() {
		return nil, ErrNoSpace
	}
	return p, nil
}

func (p *Plan) alloc(slots []*model.Stack, i int, in Ingredient, need int, used map[*model.Stack]int) int {
	st := slots[i]
	if !in.Matches(st) {
		return 0
	}
	n := min(st.Count-used[st], need)
	if n <= 0 {
		return 0
	}
	used[st] += n
	p.takes = append(p.takes, take{slots: slots, index: i, item: st.Item, n: n})
	return n
}

// outputsFit simulates the inventory after consumption and checks the outputs can be inserted.
func (p *Plan) outputsFit() bool {
	sim := model.NewInventory(p.inv.Owner, len(p.inv.Slots))
	left := map[int]int{}
	for _, tk := range p.takes {
		if sameSlice(tk.slots, p.inv.Slots) {
			left[tk.index] += tk.n
		}
	}
	for i, st := range p.inv.Slots {
		if st == nil {
			continue
		}
		if rest := st.Count - left[i]; rest > 0 {
			sim.Slots[i] = st.Clone(rest)
		}
	}
	for _, out := range p.Recipe.Outputs {
		want := out.Clone(out.Count * p.Batch)
		if sim.Insert(want) < want.Count {
			return false
		}
	}
	return true
}

func sameSlice(a, b []*model.Stack) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}

// LockIDs lists the lock ids of the contributing nodes.
func (p *Plan) LockIDs() []lock.NodeID {
	out := make([]lock.NodeID, len(p.Nodes))
	for i, n := range p.Nodes {
		out[i] = n.LockID()
	}
	return out
}

// Consumed sums the planned consumption per item id.
func (p *Plan) Consumed() map[string]int {
	out := map[string]int{}
	for _, tk := range p.takes {
		out[tk.item] += tk.n
	}
	return out
}

// Commit consumes the allocation and inserts the outputs into the inventory.
func (p *Plan) Commit() {
	for _, tk := range p.takes {
		st := tk.slots[tk.index]
		st.Count -= tk.n
		if st.Count == 0 {
			tk.slots[tk.index] = nil
		}
	}
	for _, n := range p.Nodes {
		n.Container().Compact()
	}
	for _, out := range p.Recipe.Outputs {
		p.inv.Insert(out.Clone(out.Count * p.Batch))
	}
}

// NodeChecker reports whether a node still refers to a live container.
type NodeChecker interface {
	Valid(n *storage.Node) bool
}

// CraftJob runs one craft attempt across ticks: it locks the contributing nodes all-or-nothing,
// re-plans against the locked nodes once they are held, commits, and releases.
type CraftJob struct {
	ID        string
	Requester string

	plan  *Plan
	acq   *lock.Acquisition
	nodes NodeChecker
	done  bool
	err  error
}

// TryCraft plans the craft over inv and the eligible nodes and starts acquiring locks. A plan
// that needs no nodes commits immediately. When nodes is set, the job fails with ErrStaleNode as
// soon as a contributing node stops being valid.
func TryCraft(coord *lock.Coordinator, requester string, r Recipe, batch int, inv *model.Inventory, eligible []*storage.Node, nodes NodeChecker, tick, timeout uint64) (*CraftJob, error) {
	plan, err := PlanCraft(r, batch, inv, eligible)
	if err != nil {
		return nil, err
	}
	job := &CraftJob{ID: uuid.NewString(), Requester: requester, plan: plan, nodes: nodes}
	if len(plan.Nodes) == 0 {
		plan.Commit()
		job.done = true
		return job, nil
	}
	job.acq = lock.Acquire(coord, requester, plan.LockIDs(), tick, timeout)
	return job, nil
}

// Step advances the job. It returns done once the craft committed or failed.
func (j *CraftJob) Step(tick uint64) (done bool, err error) {
	if j.done {
		return true, j.err
	}
	if n := j.staleNode(); n != nil {
		j.acq.Release()
		return j.finish(fmt.Errorf("%w: %s", ErrStaleNode, n.ID()))
	}
	switch j.acq.Step(tick) {
	case lock.Pending:
		return false, nil
	case lock.Failed:
		return j.finish(fmt.Errorf("%w after %d nodes", ErrLockTimeout, len(j.plan.Nodes)))
	}
	// Contents may have changed while the locks were pending.
	plan, err := PlanCraft(j.plan.Recipe, j.plan.Batch, j.plan.inv, j.plan.Nodes)
	if err != nil {
		j.acq.Release()
		return j.finish(err)
	}
	plan.Commit()
	j.plan = plan
	j.acq.Release()
	return j.finish(nil)
}

func (j *CraftJob) staleNode() *storage.Node {
	if j.nodes == nil {
		return nil
	}
	for _, n := range j.plan.Nodes {
		if !j.nodes.Valid(n) {
			return n
		}
	}
	return nil
}

// Abort releases everything and ends the job, e.g. when its session leaves.
func (j *CraftJob) Abort() {
	if j.done {
		return
	}
	if j.acq != nil {
		j.acq.Release()
	}
	j.finish(fmt.Errorf("craft %s aborted", j.ID))
}

func (j *CraftJob) finish(err error) (bool, error) {
	j.done = true
	j.err = err
	return true, err
}

func (j *CraftJob) Plan() *Plan { return j.plan }
func (j *CraftJob) Done() bool  { return j.done }
func (j *CraftJob) Err() error  { return j.err }
