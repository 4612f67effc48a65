package engine

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/ioccore/internal/link"
	"github.com/roach88/ioccore/internal/record"
)

// CycleWarning is a loop in the processing graph: records that process
// each other through forward, PP or CP links. A synchronous loop stops
// where it meets a record that is mid-pass, so its records are processed
// fewer times than their links ask for. A loop through CP links is
// asynchronous and keeps running while values change.
type CycleWarning struct {
	Path    []string `json:"path"` // ["a", "b", "a"]
	Message string   `json:"message"`
}

// processGraph maps a record to the records its processing triggers.
type processGraph map[string][]string

// ProcessingCycles reports every loop among the live records. It is
// deterministic: loops are found in name order and each path starts at
// the loop's smallest name.
func (d *Database) ProcessingCycles() []CycleWarning {
	graph := d.processGraph()
	var warnings []CycleWarning
	for _, scc := range tarjanSCC(graph) {
		if len(scc) == 1 && !slices.Contains(graph[scc[0]], scc[0]) {
			continue
		}
		path := cyclePath(scc, graph)
		msg := fmt.Sprintf("processing loop: %s", strings.Join(path, " -> "))
		if len(scc) == 1 {
			msg = fmt.Sprintf("record processes itself: %s", scc[0])
		}
		warnings = append(warnings, CycleWarning{Path: path, Message: msg})
	}
	slices.SortFunc(warnings, func(a, b CycleWarning) int { return strings.Compare(a.Path[0], b.Path[0]) })
	return warnings
}

// processGraph has an edge a -> b when processing a processes b: a
// forward link or a PP link from a to b, or a CP input of b reading a.
func (d *Database) processGraph() processGraph {
	graph := make(processGraph)
	edge := func(from, to string) {
		if !slices.Contains(graph[from], to) {
			graph[from] = append(graph[from], to)
		}
	}
	for _, name := range d.names {
		if !d.records[name].Inert() {
			graph[name] = []string{}
		}
	}
	for _, name := range d.names {
		r := d.records[name]
		if r.Inert() {
			continue
		}
		for _, field := range r.FieldNames() {
			f, ok := r.FieldInfo(field)
			if !ok || f.Kind != record.KindLink {
				continue
			}
			text, _ := f.Get().(string)
			spec, err := link.Parse(text)
			if err != nil || spec.Constant {
				continue
			}
			if t, ok := d.records[spec.Record]; !ok || t.Inert() {
				continue
			}
			switch {
			case spec.Options.Subscribe:
				edge(spec.Record, name)
			case spec.Options.ForceRemote:
				// a CA put or forward link never processes synchronously
			case field == "FLNK" || spec.Options.Process == link.ProcessPassive:
				edge(name, spec.Record)
			}
		}
	}
	for name := range graph {
		slices.Sort(graph[name])
	}
	return graph
}

// tarjanSCC returns the strongly connected components of graph, visiting
// nodes in name order.
func tarjanSCC(graph processGraph) [][]string {
	var (
		index   int
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var connect func(string)
	connect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, seen := indices[w]; !seen {
				connect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	for _, n := range nodes {
		if _, seen := indices[n]; !seen {
			connect(n)
		}
	}
	return sccs
}

// cyclePath returns the shortest loop through the component's smallest
// name, starting and ending there.
func cyclePath(scc []string, graph processGraph) []string {
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}
	start := slices.Min(scc)
	prev := make(map[string]string)
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, w := range graph[cur] {
			if w == start {
				var back []string
				for n := cur; n != start; n = prev[n] {
					back = append(back, n)
				}
				slices.Reverse(back)
				path := append([]string{start}, back...)
				return append(path, start)
			}
			if members[w] && !seen[w] {
				seen[w] = true
				prev[w] = cur
				queue = append(queue, w)
			}
		}
	}
	return []string{start, start}
}
