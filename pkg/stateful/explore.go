package stateful

// ExplorationMode selects how Navigator.SelectTransition picks among the
// outgoing transitions of the current state (spec §4.4 "Exploration
// modes").
type ExplorationMode string

const (
	ModeRandom   ExplorationMode = "random"
	ModeBFS      ExplorationMode = "breadth_first"
	ModeDFS      ExplorationMode = "depth_first"
	ModeTargeted ExplorationMode = "targeted"
)

func defaultResetInterval(mode ExplorationMode) int {
	switch mode {
	case ModeBFS:
		return 20
	case ModeDFS:
		return 500
	case ModeTargeted:
		return 100
	default:
		return 0 // random mode has no scheduled reset by default
	}
}

// bfsNextHop returns the first state to move to from `from` on a shortest
// path toward target, by BFS over the transition graph. ok is false if
// target is unreachable from from (or from == target already).
func bfsNextHop(m *Model, from, target string) (string, bool) {
	if from == target {
		return "", false
	}
	type edge struct{ state, via string }
	visited := map[string]bool{from: true}
	queue := []string{from}
	parent := map[string]edge{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, t := range m.outgoing(cur) {
			if visited[t.To] {
				continue
			}
			visited[t.To] = true
			parent[t.To] = edge{state: cur, via: t.To}
			if t.To == target {
				// walk back to find the hop adjacent to `from`.
				node := target
				for parent[node].state != from {
					node = parent[node].state
				}
				return node, true
			}
			queue = append(queue, t.To)
		}
	}
	return "", false
}
