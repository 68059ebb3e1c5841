package mdl

// maxSearchDepth bounds the deadlock detector's DFS: a wait-for chain
// longer than this is treated as "no deadlock found" rather than
// searched exhaustively, since in practice real cycles are short and
// an unbounded search under contention is itself a liveness risk.
const maxSearchDepth = 32

// Visitor is the callback protocol the deadlock detector's DFS drives,
// named and shaped after the upstream MDL_wait_for_graph_visitor: one
// call as the search descends into a node, one per edge it considers
// following, and one as it backs out of a node (where victim selection
// actually happens).
type Visitor interface {
	// EnterNode is called once when the DFS first visits node.
	// Returning false stops the search from descending any further
	// from this node (e.g. because it's already been visited this
	// search).
	EnterNode(node *Context) bool
	// InspectEdge is called for every outgoing wait-for edge from the
	// current node before it's followed; returning false skips it.
	InspectEdge(from, to *Context) bool
	// LeaveNode is called as the DFS backs out of node, after all of
	// its edges have been explored, for every node from which a cycle
	// back to the start was found; this is where a visitor updates its
	// victim candidate using the node's deadlock weight.
	LeaveNode(node *Context)
}

// Detector runs cycle detection over the live wait-for graph formed by
// every Context's WaitingFor() edge. It has no persistent state of its
// own: a detector instance is created fresh for each search, rooted at
// the context that just started waiting.
type Detector struct {
	start   *Context
	visited map[*Context]bool
	onStack map[*Context]bool
}

// FindDeadlock runs a bounded DFS starting at start, looking for a
// cycle back to start. If one is found, it returns the victim chosen by
// victimSelector from among the cycle's nodes; otherwise it returns
// nil.
func FindDeadlock(start *Context) *Context {
	d := &Detector{start: start, visited: make(map[*Context]bool), onStack: make(map[*Context]bool)}
	v := &victimSelector{weight: start.deadlockWeight, victim: start}
	if d.search(start, v, 0) {
		return v.victim
	}
	return nil
}

func (d *Detector) search(node *Context, v *victimSelector, depth int) bool {
	if depth >= maxSearchDepth {
		return false
	}
	if d.onStack[node] {
		// Only an edge back to the start closes a cycle this search
		// reports; every node on the stack is then a participant.
		return node == d.start
	}
	if d.visited[node] {
		return false
	}

	if !v.EnterNode(node) {
		return false
	}
	d.visited[node] = true
	d.onStack[node] = true

	foundCycle := false
	lo, tk := node.WaitingFor()
	if lo != nil {
		requested := tk.lockType
		strat := lo.strategy

		lo.lock.RLock()
		var blockers []*Context
		// Edge type (a): contexts holding a granted ticket this node's
		// pending request is incompatible with.
		for _, g := range lo.granted {
			if g.ctx != node && strat.grantedIncompatible[requested].has(g.lockType) {
				blockers = append(blockers, g.ctx)
			}
		}
		// Edge type (b): contexts already waiting with a higher-priority
		// request this node's pending request must not jump ahead of --
		// they block this node's progress just as surely as a granted
		// holder does, and omitting them misses cycles formed purely
		// through waiting-priority conflicts.
		for _, w := range lo.waiting {
			if w.ctx != node && strat.waitingIncompatible[requested].has(w.lockType) {
				blockers = append(blockers, w.ctx)
			}
		}
		lo.lock.RUnlock()

		for _, holder := range blockers {
			if !v.InspectEdge(node, holder) {
				continue
			}
			if d.search(holder, v, depth+1) {
				foundCycle = true
			}
		}
	}

	if foundCycle {
		v.LeaveNode(node)
	}
	d.onStack[node] = false
	return foundCycle
}

// victimSelector is the Visitor the package's own deadlock search uses:
// it tracks the weakest (lowest-weight) context seen so far among
// cycle participants and replaces its pick on ties using a "≥"
// comparison: the last node seen at or below the current candidate's
// weight wins, not the first (see DESIGN.md for the rationale).
type victimSelector struct {
	weight int
	victim *Context
}

func (v *victimSelector) EnterNode(node *Context) bool { return true }

func (v *victimSelector) InspectEdge(from, to *Context) bool { return true }

func (v *victimSelector) LeaveNode(node *Context) {
	if node.deadlockWeight <= v.weight {
		v.weight = node.deadlockWeight
		v.victim = node
	}
}
