// Package dependency derives the dependency DAG for a batch of zones and
// answers readiness questions against live zone status.
package dependency

import (
	"sort"
	"strings"

	"github.com/me/zoneq/internal/config"
	"github.com/me/zoneq/pkg/model"
)

// Node is one zone of the batch being enqueued.
type Node struct {
	QueuedID string
	Zone     model.Zone
}

// Graph is the dependency structure of one batch.
type Graph struct {
	// Dependencies maps each queued zone ID to the queued zone IDs that
	// must complete before it may start.
	Dependencies map[string][]string
	// Dependents is the reverse relation. It may name zones outside the
	// batch that gained dependents from it.
	Dependents map[string][]string
	// Order is a topological order of the batch.
	Order []string
}

// Resolve builds the dependency graph for a batch. existing maps caller
// zone IDs already in the queue to their queued zone IDs; batch zones may
// depend on them. Explicit DependsOn edges are always used; in
// reading_order mode each zone additionally depends on the zones of the
// preceding reading order on the same page of the same document.
//
// A dependency on an unknown zone fails with UNKNOWN_DEPENDENCY, and a cycle
// with DEPENDENCY_CYCLE.
func Resolve(batch []Node, existing map[string]string, mode config.DependencyMode) (*Graph, error) {
	byZone := make(map[string]string, len(batch))
	for _, n := range batch {
		if _, dup := byZone[n.Zone.ID]; dup {
			return nil, model.NewQueueError(model.CodeDuplicateZone, n.Zone.ID, "zone '%s' appears twice in the batch", n.Zone.ID)
		}
		if _, dup := existing[n.Zone.ID]; dup {
			return nil, model.NewQueueError(model.CodeDuplicateZone, n.Zone.ID, "zone '%s' is already queued", n.Zone.ID)
		}
		byZone[n.Zone.ID] = n.QueuedID
	}

	g := &Graph{
		Dependencies: make(map[string][]string, len(batch)),
		Dependents:   make(map[string][]string),
	}
	seen := make(map[string]map[string]bool, len(batch))
	addEdge := func(from, on string) {
		if seen[from] == nil {
			seen[from] = make(map[string]bool)
		}
		if seen[from][on] {
			return
		}
		seen[from][on] = true
		g.Dependencies[from] = append(g.Dependencies[from], on)
		g.Dependents[on] = append(g.Dependents[on], from)
	}

	for _, n := range batch {
		for _, dep := range n.Zone.DependsOn {
			if dep == n.Zone.ID {
				return nil, model.NewQueueError(model.CodeDependencyCycle, n.Zone.ID, "zone '%s' depends on itself", dep)
			}
			if qid, ok := byZone[dep]; ok {
				addEdge(n.QueuedID, qid)
				continue
			}
			if qid, ok := existing[dep]; ok {
				addEdge(n.QueuedID, qid)
				continue
			}
			return nil, model.NewQueueError(model.CodeUnknownDependency, n.Zone.ID,
				"zone '%s' depends on unknown zone '%s'", n.Zone.ID, dep)
		}
	}

	if mode == config.DependencyReadingOrder {
		for _, page := range groupByPage(batch) {
			for i := 1; i < len(page); i++ {
				for _, prev := range page[i-1] {
					for _, cur := range page[i] {
						addEdge(cur.QueuedID, prev.QueuedID)
					}
				}
			}
		}
	}

	for id := range g.Dependencies {
		sort.Strings(g.Dependencies[id])
	}
	for id := range g.Dependents {
		sort.Strings(g.Dependents[id])
	}

	order, err := topoSort(batch, g.Dependencies)
	if err != nil {
		return nil, err
	}
	g.Order = order
	return g, nil
}

// groupByPage buckets the batch by document and page, then by reading
// order, ascending.
func groupByPage(batch []Node) [][][]Node {
	type pageKey struct {
		doc  string
		page int
	}
	pages := make(map[pageKey]map[int][]Node)
	var keys []pageKey
	for _, n := range batch {
		k := pageKey{n.Zone.DocumentID, n.Zone.PageNumber}
		if pages[k] == nil {
			pages[k] = make(map[int][]Node)
			keys = append(keys, k)
		}
		pages[k][n.Zone.ReadingOrder] = append(pages[k][n.Zone.ReadingOrder], n)
	}

	out := make([][][]Node, 0, len(keys))
	for _, k := range keys {
		levels := pages[k]
		orders := make([]int, 0, len(levels))
		for o := range levels {
			orders = append(orders, o)
		}
		sort.Ints(orders)
		page := make([][]Node, len(orders))
		for i, o := range orders {
			page[i] = levels[o]
		}
		out = append(out, page)
	}
	return out
}

// topoSort runs Kahn's algorithm over the batch. Edges to zones outside the
// batch are already satisfied from the batch's point of view.
func topoSort(batch []Node, deps map[string][]string) ([]string, error) {
	inBatch := make(map[string]string, len(batch))
	for _, n := range batch {
		inBatch[n.QueuedID] = n.Zone.ID
	}
	inDegree := make(map[string]int, len(batch))
	forward := make(map[string][]string)
	for _, n := range batch {
		inDegree[n.QueuedID] += 0
		for _, on := range deps[n.QueuedID] {
			if _, ok := inBatch[on]; !ok {
				continue
			}
			inDegree[n.QueuedID]++
			forward[on] = append(forward[on], n.QueuedID)
		}
	}

	var queue []string
	for _, n := range batch {
		if inDegree[n.QueuedID] == 0 {
			queue = append(queue, n.QueuedID)
		}
	}
	order := make([]string, 0, len(batch))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		for _, succ := range forward[node] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if len(order) != len(batch) {
		var cycle []string
		for _, n := range batch {
			if inDegree[n.QueuedID] > 0 {
				cycle = append(cycle, n.Zone.ID)
			}
		}
		sort.Strings(cycle)
		return nil, model.NewQueueError(model.CodeDependencyCycle, "",
			"dependency cycle involving zones: %s", strings.Join(cycle, ", "))
	}
	return order, nil
}

// StatusFunc looks up the live status of a queued zone.
type StatusFunc func(queuedID string) (model.ZoneStatus, bool)

// IsReady reports whether every dependency has completed. Missing
// dependencies are treated as not ready.
func IsReady(deps []string, status StatusFunc) bool {
	for _, d := range deps {
		s, ok := status(d)
		if !ok || s != model.ZoneStatusCompleted {
			return false
		}
	}
	return true
}

// Blocker returns the first dependency that ended without completing, which
// means the zone can never become ready.
func Blocker(deps []string, status StatusFunc) (string, model.ZoneStatus, bool) {
	for _, d := range deps {
		s, ok := status(d)
		if ok && s.IsTerminal() && s != model.ZoneStatusCompleted {
			return d, s, true
		}
	}
	return "", "", false
}
