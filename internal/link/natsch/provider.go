package natsch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/roach88/ioccore/internal/link"
)

// DefaultSearchTimeout bounds one search request.
const DefaultSearchTimeout = 500 * time.Millisecond

// Option configures a Provider or a Server.
type Option func(*options)

type options struct {
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
	backoff func() backoff.BackOff
}

func defaultOptions() options {
	return options{
		prefix:  DefaultPrefix,
		timeout: DefaultSearchTimeout,
		logger:  slog.Default(),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// WithPrefix sets the subject prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithSearchTimeout bounds each search request.
func WithSearchTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSearchBackOff sets the retry policy of unanswered searches.
func WithSearchBackOff(fn func() backoff.BackOff) Option {
	return func(o *options) { o.backoff = fn }
}

// Connect dials a NATS server with reconnects enabled forever.
func Connect(url string, opts ...nats.Option) (*nats.Conn, error) {
	base := []nats.Option{
		nats.Name("ioccore"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", url, err)
	}
	return nc, nil
}

// Provider resolves channel names to NATS subjects. It installs the
// connection's disconnect and reconnect handlers: a disconnect marks every
// channel disconnected and a reconnect searches for them again.
type Provider struct {
	nc   *nats.Conn
	opts options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]*channel
}

var _ link.Provider = (*Provider)(nil)

// NewProvider creates a provider on nc.
func NewProvider(nc *nats.Conn, opts ...Option) *Provider {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	p := &Provider{nc: nc, opts: o, channels: make(map[string]*channel)}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	nc.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		p.opts.logger.Warn("nats disconnected", "err", err)
		for _, ch := range p.snapshot() {
			ch.lost()
		}
	})
	nc.SetReconnectHandler(func(c *nats.Conn) {
		p.opts.logger.Info("nats reconnected", "url", c.ConnectedUrl())
		for _, ch := range p.snapshot() {
			ch.search()
		}
	})
	return p
}

func (p *Provider) snapshot() []*channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*channel, 0, len(p.channels))
	for _, ch := range p.channels {
		out = append(out, ch)
	}
	return out
}

// Channel implements link.Provider. Channels are shared by name; the first
// request subscribes to the value subject and starts a search.
func (p *Provider) Channel(name string) (link.Channel, error) {
	name = link.CanonicalName(name)
	if p.ctx.Err() != nil {
		return nil, errors.New("nats provider closed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.channels[name]; ok {
		return ch, nil
	}
	ch := &channel{p: p, name: name}
	sub, err := p.nc.Subscribe(subject(p.opts.prefix, kindValue, name), ch.onValue)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", name, err)
	}
	ch.sub = sub
	p.channels[name] = ch
	ch.search()
	return ch, nil
}

// Close stops searches and drops every subscription. It does not close the
// NATS connection.
func (p *Provider) Close() error {
	p.cancel()
	var errs []error
	for _, ch := range p.snapshot() {
		if err := ch.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
		ch.lost()
	}
	return errors.Join(errs...)
}

type channel struct {
	p    *Provider
	name string
	sub  *nats.Subscription

	mu        sync.Mutex
	found     bool
	searching bool
	sample    link.Sample
	next      int
	subs      map[int]func(link.Sample)
	conns     map[int]func(bool)
}

func (c *channel) Name() string { return c.name }

func (c *channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.found && c.p.nc.IsConnected()
}

func (c *channel) Get() (link.Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sample, nil
}

// Put publishes without waiting for the server.
func (c *channel) Put(v float64) error {
	if !c.Connected() {
		return link.ErrDisconnected
	}
	data, err := encodePut(v)
	if err != nil {
		return err
	}
	return c.p.nc.Publish(subject(c.p.opts.prefix, kindPut, c.name), data)
}

func (c *channel) Subscribe(fn func(link.Sample)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[int]func(link.Sample))
	}
	id := c.next
	c.next++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *channel) OnConnectionChange(fn func(bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns == nil {
		c.conns = make(map[int]func(bool))
	}
	id := c.next
	c.next++
	c.conns[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.conns, id)
	}
}

// Close is a no-op: channels are shared by every link using them.
func (c *channel) Close() error { return nil }

func (c *channel) onValue(msg *nats.Msg) {
	s, err := decodeSample(msg.Data)
	if err != nil {
		c.p.opts.logger.Warn("bad value payload", "channel", c.name, "err", err)
		return
	}
	c.update(s)
}

// update stores s, marks the channel found and notifies listeners.
func (c *channel) update(s link.Sample) {
	c.mu.Lock()
	c.sample = s
	became := !c.found
	c.found = true
	subs := make([]func(link.Sample), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	conns := c.connListeners(became)
	c.mu.Unlock()

	for _, fn := range conns {
		fn(true)
	}
	for _, fn := range subs {
		fn(s)
	}
}

func (c *channel) lost() {
	c.mu.Lock()
	was := c.found
	c.found = false
	conns := c.connListeners(was)
	c.mu.Unlock()
	for _, fn := range conns {
		fn(false)
	}
}

// connListeners copies the connection listeners when changed is true.
// c.mu is held.
func (c *channel) connListeners(changed bool) []func(bool) {
	if !changed {
		return nil
	}
	out := make([]func(bool), 0, len(c.conns))
	for _, fn := range c.conns {
		out = append(out, fn)
	}
	return out
}

// search asks for the current sample until a server answers, the channel
// is found through a value update, or the provider closes.
func (c *channel) search() {
	c.mu.Lock()
	if c.searching {
		c.mu.Unlock()
		return
	}
	c.searching = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.searching = false
			c.mu.Unlock()
		}()
		subj := subject(c.p.opts.prefix, kindSearch, c.name)
		op := func() error {
			c.mu.Lock()
			found := c.found
			c.mu.Unlock()
			if found && c.p.nc.IsConnected() {
				return nil
			}
			msg, err := c.p.nc.Request(subj, nil, c.p.opts.timeout)
			if err != nil {
				if errors.Is(err, nats.ErrConnectionClosed) {
					return backoff.Permanent(err)
				}
				return err
			}
			s, err := decodeSample(msg.Data)
			if err != nil {
				return backoff.Permanent(err)
			}
			c.update(s)
			return nil
		}
		err := backoff.Retry(op, backoff.WithContext(c.p.opts.backoff(), c.p.ctx))
		if err != nil && c.p.ctx.Err() == nil {
			c.p.opts.logger.Debug("search abandoned", "channel", c.name, "err", err)
		}
	}()
}
