package engine

import (
	"sort"
	"sync"
)

// lockSets partitions records into lock sets with union-find. Records that
// reach each other through local links end up in one set and share one
// mutex.
type lockSets struct {
	parent map[string]string
	rank   map[string]int
}

func newLockSets() *lockSets {
	return &lockSets{parent: make(map[string]string), rank: make(map[string]int)}
}

func (s *lockSets) add(name string) {
	if _, ok := s.parent[name]; !ok {
		s.parent[name] = name
	}
}

func (s *lockSets) find(name string) string {
	root := name
	for s.parent[root] != root {
		root = s.parent[root]
	}
	for s.parent[name] != root {
		s.parent[name], name = root, s.parent[name]
	}
	return root
}

func (s *lockSets) union(a, b string) {
	ra, rb := s.find(a), s.find(b)
	if ra == rb {
		return
	}
	switch {
	case s.rank[ra] < s.rank[rb]:
		s.parent[ra] = rb
	case s.rank[ra] > s.rank[rb]:
		s.parent[rb] = ra
	default:
		s.parent[rb] = ra
		s.rank[ra]++
	}
}

// groups returns the sets as sorted name lists, ordered by their first name.
func (s *lockSets) groups() [][]string {
	byRoot := make(map[string][]string)
	for name := range s.parent {
		root := s.find(name)
		byRoot[root] = append(byRoot[root], name)
	}
	out := make([][]string, 0, len(byRoot))
	for _, names := range byRoot {
		sort.Strings(names)
		out = append(out, names)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// mutexes assigns one mutex per set.
func (s *lockSets) mutexes() map[string]*sync.Mutex {
	out := make(map[string]*sync.Mutex, len(s.parent))
	for _, names := range s.groups() {
		mu := &sync.Mutex{}
		for _, name := range names {
			out[name] = mu
		}
	}
	return out
}
