package link

import (
	"errors"
	"fmt"
)

// ErrNoProvider is returned when a link needs a channel provider and none
// is configured.
var ErrNoProvider = errors.New("no channel provider")

// Locator finds records in the resolving record's lock set.
type Locator interface {
	LookupLocal(record string) (LocalTarget, bool)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(record string) (LocalTarget, bool)

func (f LocatorFunc) LookupLocal(record string) (LocalTarget, bool) { return f(record) }

// Resolver turns link text into links.
//
// A target that Local can find becomes a Local link unless the text forces
// a channel (CA, CP, CPP). Anything else is a Remote link on Remote.
type Resolver struct {
	Local  Locator
	Remote Provider
}

// Resolve parses and resolves text.
func (r Resolver) Resolve(text string) (*Link, error) {
	spec, err := Parse(text)
	if err != nil {
		return nil, err
	}
	if spec.Constant {
		return NewConstant(spec), nil
	}
	if !spec.Options.ForceRemote && r.Local != nil {
		if target, ok := r.Local.LookupLocal(spec.Record); ok {
			return NewLocal(spec, target), nil
		}
	}
	if r.Remote == nil {
		return nil, fmt.Errorf("link %q: %w", text, ErrNoProvider)
	}
	ch, err := r.Remote.Channel(spec.Target())
	if err != nil {
		return nil, fmt.Errorf("link %q: %w", text, err)
	}
	return NewRemote(spec, ch), nil
}

// CanonicalName expands a channel name to "record.FIELD" form.
func CanonicalName(name string) string {
	spec, err := Parse(name)
	if err != nil || spec.Constant {
		return name
	}
	return spec.Target()
}
