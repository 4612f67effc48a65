package testutil

// DefaultRunID is used by FixedRunGenerator when no id is given.
const DefaultRunID = "test-run-default"

// FixedRunGenerator returns the same run id every time, so repeated runs of
// a scenario produce identical event logs.
//
// Unlike engine.FixedGenerator, which hands out a list of ids once each,
// it never runs out. It is stateless and safe for concurrent use.
type FixedRunGenerator struct {
	id string
}

// NewFixedRunGenerator creates a generator for id, or DefaultRunID when id
// is empty.
func NewFixedRunGenerator(id string) *FixedRunGenerator {
	if id == "" {
		id = DefaultRunID
	}
	return &FixedRunGenerator{id: id}
}

// Generate implements engine.RunIDGenerator.
func (g *FixedRunGenerator) Generate() string {
	return g.id
}
