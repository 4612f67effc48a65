package link

import (
	"sync"
)

// Loopback is an in-process Provider. Channels are created on first use,
// start disconnected, and are driven by Connect and Set.
type Loopback struct {
	mu       sync.Mutex
	channels map[string]*loopChannel
	onPut    PutHandler
}

// PutHandler receives the puts of a loopback built with
// NewLoopbackWithPut, in place of the default echo.
type PutHandler func(name string, v float64) error

// NewLoopback creates an empty loopback provider. A put is recorded and
// echoed to subscribers as the channel's new value.
func NewLoopback() *Loopback {
	return &Loopback{channels: make(map[string]*loopChannel)}
}

// NewLoopbackWithPut creates a loopback whose puts are recorded and handed
// to onPut. The channel value only changes through Set.
func NewLoopbackWithPut(onPut PutHandler) *Loopback {
	lb := NewLoopback()
	lb.onPut = onPut
	return lb
}

func (lb *Loopback) get(name string) *loopChannel {
	name = CanonicalName(name)
	lb.mu.Lock()
	defer lb.mu.Unlock()
	ch, ok := lb.channels[name]
	if !ok {
		ch = &loopChannel{name: name, onPut: lb.onPut}
		lb.channels[name] = ch
	}
	return ch
}

// Channel implements Provider.
func (lb *Loopback) Channel(name string) (Channel, error) {
	return lb.get(name), nil
}

// Connect changes a channel's connectivity and notifies listeners on a
// change.
func (lb *Loopback) Connect(name string, connected bool) {
	lb.get(name).setConnected(connected)
}

// Set updates a channel's sample and notifies subscribers.
func (lb *Loopback) Set(name string, s Sample) {
	lb.get(name).publish(s)
}

// Names lists the channels created so far.
func (lb *Loopback) Names() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make([]string, 0, len(lb.channels))
	for name := range lb.channels {
		out = append(out, name)
	}
	return out
}

// Value returns a channel's current sample.
func (lb *Loopback) Value(name string) Sample {
	s, _ := lb.get(name).Get()
	return s
}

// Puts returns the values written to a channel through Put, oldest first.
func (lb *Loopback) Puts(name string) []float64 {
	ch := lb.get(name)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]float64(nil), ch.puts...)
}

type loopChannel struct {
	name  string
	onPut PutHandler

	mu        sync.Mutex
	connected bool
	sample    Sample
	puts      []float64
	next      int
	subs      []sampleSub
	conns     []connSub
}

type sampleSub struct {
	id int
	fn func(Sample)
}

type connSub struct {
	id int
	fn func(bool)
}

func (c *loopChannel) Name() string { return c.name }

func (c *loopChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *loopChannel) Get() (Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sample, nil
}

func (c *loopChannel) Put(v float64) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrDisconnected
	}
	c.puts = append(c.puts, v)
	if c.onPut != nil {
		c.mu.Unlock()
		return c.onPut(c.name, v)
	}
	s := c.sample
	s.Value = v
	c.mu.Unlock()
	c.publish(s)
	return nil
}

func (c *loopChannel) publish(s Sample) {
	c.mu.Lock()
	c.sample = s
	subs := append([]sampleSub(nil), c.subs...)
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return
	}
	for _, sub := range subs {
		sub.fn(s)
	}
}

func (c *loopChannel) setConnected(connected bool) {
	c.mu.Lock()
	if c.connected == connected {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	conns := append([]connSub(nil), c.conns...)
	c.mu.Unlock()

	for _, sub := range conns {
		sub.fn(connected)
	}
}

func (c *loopChannel) Subscribe(fn func(Sample)) func() {
	c.mu.Lock()
	id := c.next
	c.next++
	c.subs = append(c.subs, sampleSub{id: id, fn: fn})
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, sub := range c.subs {
			if sub.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

func (c *loopChannel) OnConnectionChange(fn func(bool)) func() {
	c.mu.Lock()
	id := c.next
	c.next++
	c.conns = append(c.conns, connSub{id: id, fn: fn})
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, sub := range c.conns {
			if sub.id == id {
				c.conns = append(c.conns[:i], c.conns[i+1:]...)
				return
			}
		}
	}
}

// Close is a no-op: loopback channels are shared by every link using them.
func (c *loopChannel) Close() error { return nil }
