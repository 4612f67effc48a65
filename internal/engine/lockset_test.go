package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockSets_Groups(t *testing.T) {
	s := newLockSets()
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		s.add(n)
	}
	s.union("a", "c")
	s.union("d", "c")
	s.union("a", "d")

	assert.Equal(t, [][]string{{"a", "c", "d"}, {"b"}, {"e"}}, s.groups())
}

func TestLockSets_Mutexes(t *testing.T) {
	s := newLockSets()
	for _, n := range []string{"a", "b", "c"} {
		s.add(n)
	}
	s.union("b", "c")

	mus := s.mutexes()
	assert.Same(t, mus["b"], mus["c"])
	assert.NotSame(t, mus["a"], mus["b"])
}
