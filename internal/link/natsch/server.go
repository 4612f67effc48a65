package natsch

import (
	"errors"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/roach88/ioccore/internal/link"
	"github.com/roach88/ioccore/internal/monitor"
	"github.com/roach88/ioccore/internal/record"
)

// Exporter is the part of a record database the server publishes.
type Exporter interface {
	Sample(rec, field string) (link.Sample, error)
	PutField(rec, field string, v any) error
	Observe(o monitor.Observer) (remove func())
}

// Server exports a database's records over NATS. It answers searches for
// any field, publishes posts that carry a value or alarm change, and
// applies puts.
type Server struct {
	nc   *nats.Conn
	db   Exporter
	opts options

	mu      sync.Mutex
	subs    []*nats.Subscription
	unwatch func()
}

// NewServer creates a server for db. Nothing is served until Start.
func NewServer(nc *nats.Conn, db Exporter, opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{nc: nc, db: db, opts: o}
}

// Start subscribes to the search and put subjects and begins publishing
// monitor posts.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unwatch != nil {
		return errors.New("nats server already started")
	}

	search, err := s.nc.Subscribe(subject(s.opts.prefix, kindSearch, ">"), s.onSearch)
	if err != nil {
		return err
	}
	put, err := s.nc.Subscribe(subject(s.opts.prefix, kindPut, ">"), s.onPut)
	if err != nil {
		_ = search.Unsubscribe()
		return err
	}
	s.subs = []*nats.Subscription{search, put}
	s.unwatch = s.db.Observe(monitor.ObserverFunc(s.publish))
	// Make sure the server has the interest before searches arrive.
	if err := s.nc.Flush(); err != nil {
		s.opts.logger.Warn("nats flush failed", "err", err)
	}
	s.opts.logger.Info("nats server started", "prefix", s.opts.prefix)
	return nil
}

// Stop undoes Start.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unwatch == nil {
		return nil
	}
	s.unwatch()
	s.unwatch = nil
	var errs []error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	s.subs = nil
	return errors.Join(errs...)
}

func splitName(name string) (rec, field string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return name, "VAL"
	}
	return name[:i], name[i+1:]
}

// onSearch answers only for records this database holds.
func (s *Server) onSearch(msg *nats.Msg) {
	name, ok := channelName(s.opts.prefix, kindSearch, msg.Subject)
	if !ok || msg.Reply == "" {
		return
	}
	rec, field := splitName(name)
	sample, err := s.db.Sample(rec, field)
	if err != nil {
		s.opts.logger.Debug("search not served", "channel", name, "err", err)
		return
	}
	data, err := encodeSample(sample)
	if err != nil {
		s.opts.logger.Warn("cannot encode sample", "channel", name, "err", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.opts.logger.Warn("search reply failed", "channel", name, "err", err)
	}
}

func (s *Server) onPut(msg *nats.Msg) {
	name, ok := channelName(s.opts.prefix, kindPut, msg.Subject)
	if !ok {
		return
	}
	v, err := decodePut(msg.Data)
	if err != nil {
		s.opts.logger.Warn("bad put payload", "channel", name, "err", err)
		return
	}
	rec, field := splitName(name)
	if err := s.db.PutField(rec, field, v); err != nil {
		s.opts.logger.Warn("put rejected", "record", rec, "field", field, "err", err)
	}
}

// publish runs under the posting record's lock; Publish only buffers.
func (s *Server) publish(p monitor.Post) {
	if p.Mask&(monitor.Value|monitor.Alarm) == 0 {
		return
	}
	v, err := record.ToFloat(p.Value)
	if err != nil {
		return
	}
	data, err := encodeSample(link.Sample{Value: v, Severity: p.Severity, Status: p.Status, Time: p.Time})
	if err != nil {
		return
	}
	if err := s.nc.Publish(subject(s.opts.prefix, kindValue, p.Record+"."+p.Field), data); err != nil {
		s.opts.logger.Debug("value publish failed", "record", p.Record, "field", p.Field, "err", err)
	}
}
