package natsch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ioccore/internal/alarm"
	"github.com/roach88/ioccore/internal/engine"
	"github.com/roach88/ioccore/internal/link"
	"github.com/roach88/ioccore/internal/monitor"
	"github.com/roach88/ioccore/internal/record"
)

const waitFor = 2 * time.Second

// startServer runs an embedded NATS server on a random port.
func startServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Port: -1})
	require.NoError(t, err)
	ns.Start()
	require.True(t, ns.ReadyForConnections(waitFor), "nats server not ready")
	t.Cleanup(ns.Shutdown)
	return ns
}

func connect(t *testing.T, ns *server.Server, opts ...nats.Option) *nats.Conn {
	t.Helper()
	nc, err := Connect(ns.ClientURL(), opts...)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

type fakeDB struct {
	mu      sync.Mutex
	samples map[string]link.Sample
	puts    map[string][]any
	obs     []monitor.Observer
}

func newFakeDB() *fakeDB {
	return &fakeDB{samples: make(map[string]link.Sample), puts: make(map[string][]any)}
}

func (f *fakeDB) Sample(rec, field string) (link.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.samples[rec+"."+field]
	if !ok {
		return link.Sample{}, errors.New("no such field")
	}
	return s, nil
}

func (f *fakeDB) PutField(rec, field string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[rec+"."+field] = append(f.puts[rec+"."+field], v)
	return nil
}

func (f *fakeDB) Observe(o monitor.Observer) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, o)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.obs = nil
	}
}

func (f *fakeDB) post(p monitor.Post) {
	f.mu.Lock()
	obs := append([]monitor.Observer(nil), f.obs...)
	f.mu.Unlock()
	for _, o := range obs {
		o.OnFieldChanged(p)
	}
}

func (f *fakeDB) putsFor(name string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.puts[name]...)
}

func TestWire_SampleRoundTrip(t *testing.T) {
	s := link.Sample{Value: 1.5, Severity: alarm.Minor, Status: alarm.StatusHigh, Time: time.Unix(100, 5).UTC()}
	data, err := encodeSample(s)
	require.NoError(t, err)
	got, err := decodeSample(data)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = decodeSample([]byte{0xc1})
	assert.Error(t, err)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "ioc.value.m1.RBV", subject(DefaultPrefix, kindValue, "m1.RBV"))
	name, ok := channelName("lab", kindPut, "lab.put.m1.VAL")
	assert.True(t, ok)
	assert.Equal(t, "m1.VAL", name)
	_, ok = channelName("lab", kindPut, "other.put.m1.VAL")
	assert.False(t, ok)
}

func TestProviderServer(t *testing.T) {
	ns := startServer(t)
	db := newFakeDB()
	db.samples["src.VAL"] = link.Sample{Value: 3, Severity: alarm.Minor, Status: alarm.StatusHigh}

	srv := NewServer(connect(t, ns), db, WithPrefix("lab"))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	assert.Error(t, srv.Start(), "a second start is rejected")

	p := NewProvider(connect(t, ns), WithPrefix("lab"))
	t.Cleanup(func() { p.Close() })

	ch, err := p.Channel("src")
	require.NoError(t, err)
	assert.Equal(t, "src.VAL", ch.Name())
	again, err := p.Channel("src.VAL")
	require.NoError(t, err)
	assert.Same(t, ch, again, "channels are shared by canonical name")

	require.Eventually(t, ch.Connected, waitFor, 10*time.Millisecond)
	s, err := ch.Get()
	require.NoError(t, err)
	assert.Equal(t, 3.0, s.Value)
	assert.Equal(t, alarm.Minor, s.Severity)

	updates := make(chan link.Sample, 4)
	cancel := ch.Subscribe(func(s link.Sample) { updates <- s })
	defer cancel()
	db.post(monitor.Post{Record: "src", Field: "VAL", Mask: monitor.Value, Value: 4.0})
	db.post(monitor.Post{Record: "src", Field: "DESC", Mask: monitor.Value, Value: "text"})
	db.post(monitor.Post{Record: "src", Field: "VAL", Mask: monitor.Log, Value: 9.0})
	select {
	case s := <-updates:
		assert.Equal(t, 4.0, s.Value)
	case <-time.After(waitFor):
		t.Fatal("no value update")
	}

	require.NoError(t, ch.Put(7))
	assert.Eventually(t, func() bool { return len(db.putsFor("src.VAL")) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, []any{7.0}, db.putsFor("src.VAL"))
}

func TestProvider_UnservedNameStaysDisconnected(t *testing.T) {
	ns := startServer(t)
	srv := NewServer(connect(t, ns), newFakeDB())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	p := NewProvider(connect(t, ns), WithSearchTimeout(50*time.Millisecond))
	t.Cleanup(func() { p.Close() })
	ch, err := p.Channel("ghost")
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.False(t, ch.Connected())
	assert.ErrorIs(t, ch.Put(1), link.ErrDisconnected)
}

func TestProvider_DisconnectAndReconnect(t *testing.T) {
	ns := startServer(t)
	db := newFakeDB()
	db.samples["src.VAL"] = link.Sample{Value: 1}
	srv := NewServer(connect(t, ns), db)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	nc := connect(t, ns, nats.ReconnectWait(20*time.Millisecond))
	p := NewProvider(nc)
	t.Cleanup(func() { p.Close() })
	ch, err := p.Channel("src")
	require.NoError(t, err)
	require.Eventually(t, ch.Connected, waitFor, 10*time.Millisecond)

	changes := make(chan bool, 8)
	ch.OnConnectionChange(func(up bool) { changes <- up })

	// Closing the client connection on the server side forces a reconnect.
	require.NoError(t, nc.ForceReconnect())
	select {
	case up := <-changes:
		assert.False(t, up)
	case <-time.After(waitFor):
		t.Fatal("disconnect was not reported")
	}
	select {
	case up := <-changes:
		assert.True(t, up)
	case <-time.After(waitFor):
		t.Fatal("reconnect was not reported")
	}
	assert.True(t, ch.Connected())
}

func TestProvider_Closed(t *testing.T) {
	ns := startServer(t)
	p := NewProvider(connect(t, ns))
	require.NoError(t, p.Close())
	_, err := p.Channel("x")
	assert.Error(t, err)
}

func TestEngineOverNATS(t *testing.T) {
	ns := startServer(t)

	ioc1 := engine.New([]record.Def{
		{Name: "src", Type: "calcout", Fields: map[string]any{"CALC": "A", "A": 5}},
	})
	t.Cleanup(func() { ioc1.Close() })
	srv := NewServer(connect(t, ns), ioc1.Database())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	p := NewProvider(connect(t, ns))
	t.Cleanup(func() { p.Close() })
	ioc2 := engine.New([]record.Def{
		{Name: "copy", Type: "calcout", Fields: map[string]any{"CALC": "A * 2", "INPA": "src"}},
		{Name: "push", Type: "calcout", Fields: map[string]any{"CALC": "11", "OUT": "src.A"}},
	}, engine.WithRemote(p), engine.WithCheckInterval(20*time.Millisecond))
	t.Cleanup(func() { ioc2.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ioc1.Run(ctx)
	go ioc2.Run(ctx)
	require.NoError(t, ioc1.Database().Process("src"))

	require.Eventually(t, func() bool {
		v, _ := ioc2.Database().GetField("copy", "INAV")
		return v == link.StatusExt.String()
	}, waitFor, 10*time.Millisecond)
	require.NoError(t, ioc2.Database().Process("copy"))
	assert.Equal(t, 10.0, mustGet(t, ioc2, "copy", "VAL"))

	require.Eventually(t, func() bool {
		v, _ := ioc2.Database().GetField("push", "OUTV")
		return v == link.StatusExt.String()
	}, waitFor, 10*time.Millisecond)
	require.NoError(t, ioc2.Database().Process("push"))
	assert.Eventually(t, func() bool {
		v, _ := ioc1.Database().GetField("src", "A")
		return v == 11.0
	}, waitFor, 10*time.Millisecond)
}

func mustGet(t *testing.T, e *engine.Engine, rec, field string) any {
	t.Helper()
	v, err := e.Database().GetField(rec, field)
	require.NoError(t, err)
	return v
}
