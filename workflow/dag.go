package workflow

import "sort"

type nodeStatus int

const (
	nodePending nodeStatus = iota
	nodeRunning
	nodeCompleted
	nodeFailed
	nodeSkipped
	nodeCancelled
)

type dagNode struct {
	name       string
	order      int
	deps       []string
	dependents []string
	status     nodeStatus
}

// dag tracks per-step progress for one run. It is owned by the engine
// loop: executions happen on worker goroutines but every state change
// is applied by the loop, so the dag needs no locking.
type dag struct {
	nodes map[string]*dagNode
}

// effectiveDeps is the dependency map the graph actually runs on:
// declared depends_on plus an implicit edge from every CHOICE step to
// its branch targets. A branch target must not start before its choice
// resolves, or there would be nothing left to skip.
func effectiveDeps(steps []Step) map[string][]string {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.Name] = append([]string(nil), s.DependsOn...)
	}
	add := func(target, dep string) {
		if target == "" {
			return
		}
		existing, ok := deps[target]
		if !ok {
			return
		}
		for _, d := range existing {
			if d == dep {
				return
			}
		}
		deps[target] = append(existing, dep)
	}
	for _, s := range steps {
		if s.Type == StepChoice {
			add(s.ThenStep, s.Name)
			add(s.ElseStep, s.Name)
		}
	}
	return deps
}

func newDAG(steps []Step) *dag {
	deps := effectiveDeps(steps)
	d := &dag{nodes: make(map[string]*dagNode, len(steps))}
	for i, s := range steps {
		d.nodes[s.Name] = &dagNode{
			name:   s.Name,
			order:  i,
			deps:   deps[s.Name],
			status: nodePending,
		}
	}
	for name, node := range d.nodes {
		for _, dep := range node.deps {
			if parent, ok := d.nodes[dep]; ok {
				parent.dependents = append(parent.dependents, name)
			}
		}
	}
	return d
}

// ready returns pending steps whose dependencies all completed, in
// declaration order. A skipped or failed dependency never satisfies a
// step; the cascade marks such dependents skipped instead.
func (d *dag) ready() []string {
	var out []string
	for name, node := range d.nodes {
		if node.status != nodePending {
			continue
		}
		satisfied := true
		for _, dep := range node.deps {
			if d.nodes[dep].status != nodeCompleted {
				satisfied = false
				break
			}
		}
		if satisfied {
			out = append(out, name)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return d.nodes[out[i]].order < d.nodes[out[j]].order
	})
	return out
}

func (d *dag) markRunning(name string) {
	if n, ok := d.nodes[name]; ok {
		n.status = nodeRunning
	}
}

func (d *dag) markCompleted(name string) {
	if n, ok := d.nodes[name]; ok {
		n.status = nodeCompleted
	}
}

func (d *dag) markCancelled(name string) {
	if n, ok := d.nodes[name]; ok {
		n.status = nodeCancelled
	}
}

// markFailed fails the step and skips its pending dependents: a step
// whose input never materialized cannot be attempted.
func (d *dag) markFailed(name string) []string {
	n, ok := d.nodes[name]
	if !ok {
		return nil
	}
	n.status = nodeFailed
	skipped := d.cascadeSkip(name)
	sort.Slice(skipped, func(i, j int) bool {
		return d.nodes[skipped[i]].order < d.nodes[skipped[j]].order
	})
	return skipped
}

// markSkipped skips the step and cascades to its pending dependents.
// Returns every newly skipped step in declaration order, the argument
// included.
func (d *dag) markSkipped(name string) []string {
	n, ok := d.nodes[name]
	if !ok || n.status != nodePending {
		return nil
	}
	n.status = nodeSkipped
	skipped := append([]string{name}, d.cascadeSkip(name)...)
	sort.Slice(skipped, func(i, j int) bool {
		return d.nodes[skipped[i]].order < d.nodes[skipped[j]].order
	})
	return skipped
}

func (d *dag) cascadeSkip(name string) []string {
	var skipped []string
	for _, dep := range d.nodes[name].dependents {
		node := d.nodes[dep]
		if node.status != nodePending {
			continue
		}
		node.status = nodeSkipped
		skipped = append(skipped, dep)
		skipped = append(skipped, d.cascadeSkip(dep)...)
	}
	return skipped
}

// force sets a node's status directly. The engine uses it to settle
// leftovers after a stop or a run cancellation.
func (d *dag) force(name string, status nodeStatus) {
	if n, ok := d.nodes[name]; ok {
		n.status = status
	}
}

// pending returns not-yet-started steps in declaration order.
func (d *dag) pending() []string {
	var out []string
	for name, node := range d.nodes {
		if node.status == nodePending {
			out = append(out, name)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return d.nodes[out[i]].order < d.nodes[out[j]].order
	})
	return out
}

func (d *dag) hasRunning() bool {
	for _, node := range d.nodes {
		if node.status == nodeRunning {
			return true
		}
	}
	return false
}

// settled reports whether every step reached a terminal state.
func (d *dag) settled() bool {
	for _, node := range d.nodes {
		if node.status == nodePending || node.status == nodeRunning {
			return false
		}
	}
	return true
}

func (d *dag) count(status nodeStatus) int {
	n := 0
	for _, node := range d.nodes {
		if node.status == status {
			n++
		}
	}
	return n
}
