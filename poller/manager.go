// Package poller keeps S7 connections open, reads configured blocks on a
// schedule and fans changed values out to sinks.
package poller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Bucher-Unipektin/s7connector/config"
	"github.com/Bucher-Unipektin/s7connector/logging"
	"github.com/Bucher-Unipektin/s7connector/s7"
)

// ConnectionStatus represents the state of a PLC connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Client is the part of *s7.Conn the manager uses.
type Client interface {
	ReadRef(ctx context.Context, ref s7.AreaRef) ([]byte, error)
	WriteRef(ctx context.Context, ref s7.AreaRef, data []byte) error
	MaxPDULength() int
	Close() error
}

// DialFunc opens a connection to the PLC described by cc.
type DialFunc func(ctx context.Context, cc *config.ConnectionConfig) (Client, error)

// DialS7 dials cc with the s7 package.
func DialS7(ctx context.Context, cc *config.ConnectionConfig) (Client, error) {
	opts, err := cc.Options()
	if err != nil {
		return nil, err
	}
	c, err := s7.Dial(ctx, cc.Address, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

const (
	defaultReconnectDelay = 5 * time.Second
	defaultQueueSize      = 100
	defaultPublishTimeout = 5 * time.Second
)

// ErrUnknownConnection is returned for a connection name not in the config.
var ErrUnknownConnection = errors.New("unknown connection")

// PollStats counts the reads of one poll.
type PollStats struct {
	Reads     uint64
	Changes   uint64
	Errors    uint64
	LastRead  time.Time
	LastError string
}

type pollState struct {
	cfg      config.PollConfig
	addr     *s7.Address
	interval time.Duration
	next     time.Time
	last     []byte
	snap     *Snapshot
	stats    PollStats
}

// Connection is a PLC under management.
type Connection struct {
	cfg config.ConnectionConfig

	dialMu sync.Mutex // serializes connects

	mu       sync.RWMutex
	client   Client
	status   ConnectionStatus
	lastErr  error
	lastDial time.Time
	polls    []*pollState
}

// Name returns the connection name.
func (c *Connection) Name() string { return c.cfg.Name }

// Config returns the connection settings.
func (c *Connection) Config() config.ConnectionConfig { return c.cfg }

// Status returns the connection status.
func (c *Connection) Status() ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Error returns the last connection or read error.
func (c *Connection) Error() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// PDULength returns the negotiated PDU length, or 0 when disconnected.
func (c *Connection) PDULength() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return 0
	}
	return c.client.MaxPDULength()
}

// Manager owns the configured connections and their poll workers.
type Manager struct {
	dial           DialFunc
	reconnectDelay time.Duration
	publishTimeout time.Duration

	conns map[string]*Connection
	order []string

	sinksMu sync.RWMutex
	sinks   []Sink

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	changes chan Snapshot
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces DialS7.
func WithDialer(d DialFunc) Option {
	return func(m *Manager) { m.dial = d }
}

// WithReconnectDelay sets the minimum time between connect attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(m *Manager) { m.reconnectDelay = d }
}

// NewManager builds connections and polls from cfg. Disabled polls are
// skipped. Every enabled poll must resolve to a valid address.
func NewManager(cfg *config.Config, opts ...Option) (*Manager, error) {
	m := &Manager{
		dial:           DialS7,
		reconnectDelay: defaultReconnectDelay,
		publishTimeout: defaultPublishTimeout,
		conns:          make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, cc := range cfg.Connections {
		if _, dup := m.conns[cc.Name]; dup {
			return nil, fmt.Errorf("duplicate connection %q", cc.Name)
		}
		m.conns[cc.Name] = &Connection{cfg: cc, status: StatusDisconnected}
		m.order = append(m.order, cc.Name)
	}
	for _, pc := range cfg.Polls {
		if !pc.Enabled {
			continue
		}
		conn, ok := m.conns[pc.Connection]
		if !ok {
			return nil, fmt.Errorf("poll %s: %w %q", pc.Name, ErrUnknownConnection, pc.Connection)
		}
		addr, err := pc.Target()
		if err != nil {
			return nil, err
		}
		conn.polls = append(conn.polls, &pollState{
			cfg:      pc,
			addr:     addr,
			interval: pc.EffectiveInterval(cfg.PollRate),
		})
	}
	return m, nil
}

// AddSink registers a sink. Sinks added while running receive subsequent
// changes only.
func (m *Manager) AddSink(s Sink) {
	m.sinksMu.Lock()
	defer m.sinksMu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Connection returns the named connection, or nil.
func (m *Manager) Connection(name string) *Connection {
	return m.conns[name]
}

// Connections returns all connections in configuration order.
func (m *Manager) Connections() []*Connection {
	out := make([]*Connection, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.conns[name])
	}
	return out
}

// Start launches one worker per enabled connection and the dispatcher.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.changes = make(chan Snapshot, defaultQueueSize)

	m.wg.Add(1)
	go m.dispatchLoop(m.ctx, m.changes)

	for _, name := range m.order {
		conn := m.conns[name]
		if !conn.cfg.Enabled || len(conn.polls) == 0 {
			continue
		}
		m.wg.Add(1)
		go m.worker(m.ctx, conn)
	}
}

// Stop halts the workers, flushes pending changes and closes every
// connection.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	m.ctx, m.cancel, m.changes = nil, nil, nil
	m.mu.Unlock()

	for _, conn := range m.conns {
		conn.disconnect("manager stopped")
	}
}

func (m *Manager) worker(ctx context.Context, conn *Connection) {
	defer m.wg.Done()

	tick := conn.polls[0].interval
	for _, p := range conn.polls[1:] {
		if p.interval < tick {
			tick = p.interval
		}
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	logging.DebugLog("poller", "%s: worker started, %d polls, tick %v", conn.cfg.Name, len(conn.polls), tick)
	m.cycle(ctx, conn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cycle(ctx, conn)
		}
	}
}

// cycle reads every poll that is due.
func (m *Manager) cycle(ctx context.Context, conn *Connection) {
	client, err := m.client(ctx, conn, false)
	if err != nil {
		return
	}

	now := time.Now()
	conn.mu.RLock()
	var due []*pollState
	for _, p := range conn.polls {
		if !now.Before(p.next) {
			due = append(due, p)
		}
	}
	conn.mu.RUnlock()

	for _, p := range due {
		if ctx.Err() != nil {
			return
		}
		if !m.readPoll(ctx, conn, client, p) {
			return
		}
	}
}

// readPoll reads one poll. It returns false when the connection was lost.
func (m *Manager) readPoll(ctx context.Context, conn *Connection, client Client, p *pollState) bool {
	data, err := client.ReadRef(ctx, p.addr.Ref())
	now := time.Now()

	conn.mu.Lock()
	p.next = now.Add(p.interval)
	p.stats.Reads++
	p.stats.LastRead = now
	if err != nil {
		p.stats.Errors++
		p.stats.LastError = err.Error()
		snap := Snapshot{
			Connection: conn.cfg.Name,
			Poll:       p.cfg.Name,
			Address:    p.addr.String(),
			Type:       p.addr.Type.String(),
			Timestamp:  now,
			Error:      err.Error(),
		}
		if p.snap != nil {
			snap.Value, snap.Raw = p.snap.Value, p.snap.Raw
		}
		p.snap = &snap
		conn.mu.Unlock()

		logging.DebugLog("poller", "%s/%s: read failed: %v", conn.cfg.Name, p.cfg.Name, err)
		if ctx.Err() != nil {
			return false
		}
		if connectionLost(err) {
			conn.drop(client, err)
			return false
		}
		return true
	}

	changed := p.last == nil || !bytes.Equal(p.last, data)
	p.stats.LastError = ""
	var snap Snapshot
	if changed || p.snap == nil || !p.snap.Online() {
		p.last = data
		snap = newSnapshot(conn.cfg.Name, p.cfg.Name, p.addr, data, now)
		p.snap = &snap
	} else {
		p.snap.Timestamp = now
	}
	if changed {
		p.stats.Changes++
	}
	conn.mu.Unlock()

	if changed {
		m.enqueue(snap)
	}
	return true
}

// connectionLost reports whether err leaves the connection unusable.
// Item-level result errors keep the connection.
func connectionLost(err error) bool {
	return errors.Is(err, s7.ErrTransport) ||
		errors.Is(err, s7.ErrFraming) ||
		errors.Is(err, s7.ErrMalformedPDU) ||
		errors.Is(err, s7.ErrNotConnected) ||
		errors.Is(err, s7.ErrClosed) ||
		errors.Is(err, s7.ErrInterrupted)
}

// client returns the live client, connecting first if needed. Unless
// force is set, connect attempts are spaced by the reconnect delay.
func (m *Manager) client(ctx context.Context, conn *Connection, force bool) (Client, error) {
	conn.mu.RLock()
	c := conn.client
	conn.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	conn.dialMu.Lock()
	defer conn.dialMu.Unlock()

	conn.mu.Lock()
	if conn.client != nil {
		c = conn.client
		conn.mu.Unlock()
		return c, nil
	}
	if !force && !conn.lastDial.IsZero() && time.Since(conn.lastDial) < m.reconnectDelay {
		err := conn.lastErr
		conn.mu.Unlock()
		if err == nil {
			err = s7.ErrNotConnected
		}
		return nil, err
	}
	conn.status = StatusConnecting
	conn.lastDial = time.Now()
	cfg := conn.cfg
	conn.mu.Unlock()

	c, err := m.dial(ctx, &cfg)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if err != nil {
		conn.status = StatusError
		conn.lastErr = err
		logging.DebugLog("poller", "%s: connect failed: %v", cfg.Name, err)
		return nil, err
	}
	conn.client = c
	conn.status = StatusConnected
	conn.lastErr = nil
	logging.DebugLog("poller", "%s: connected, PDU %d", cfg.Name, c.MaxPDULength())
	return c, nil
}

// drop closes client if it is still the live one.
func (c *Connection) drop(client Client, err error) {
	c.mu.Lock()
	if c.client != client {
		c.mu.Unlock()
		return
	}
	c.client = nil
	c.status = StatusError
	c.lastErr = err
	c.mu.Unlock()
	client.Close()
}

func (c *Connection) disconnect(reason string) {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.status = StatusDisconnected
	c.lastDial = time.Time{}
	c.mu.Unlock()
	if client != nil {
		logging.DebugLog("poller", "%s: disconnect: %s", c.cfg.Name, reason)
		client.Close()
	}
}

// enqueue hands snap to the dispatcher. When the queue is full the oldest
// pending change is dropped.
func (m *Manager) enqueue(snap Snapshot) {
	m.mu.Lock()
	ch := m.changes
	m.mu.Unlock()
	if ch == nil {
		m.publish(context.Background(), snap)
		return
	}
	select {
	case ch <- snap:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (m *Manager) dispatchLoop(ctx context.Context, ch chan Snapshot) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case snap := <-ch:
					m.publish(context.Background(), snap)
				default:
					return
				}
			}
		case snap := <-ch:
			m.publish(ctx, snap)
		}
	}
}

func (m *Manager) publish(ctx context.Context, snap Snapshot) {
	m.sinksMu.RLock()
	sinks := make([]Sink, len(m.sinks))
	copy(sinks, m.sinks)
	m.sinksMu.RUnlock()

	for _, s := range sinks {
		pctx, cancel := context.WithTimeout(ctx, m.publishTimeout)
		if err := s.Publish(pctx, snap); err != nil {
			logging.DebugLog("poller", "%s: publish %s failed: %v", s.Name(), snap.Key(), err)
		}
		cancel()
	}
}

// Snapshots returns the last snapshot of every poll that has been read,
// sorted by key.
func (m *Manager) Snapshots() []Snapshot {
	var out []Snapshot
	for _, name := range m.order {
		conn := m.conns[name]
		conn.mu.RLock()
		for _, p := range conn.polls {
			if p.snap != nil {
				out = append(out, *p.snap)
			}
		}
		conn.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Snapshot returns the last snapshot of one poll.
func (m *Manager) Snapshot(connection, poll string) (Snapshot, bool) {
	conn := m.conns[connection]
	if conn == nil {
		return Snapshot{}, false
	}
	conn.mu.RLock()
	defer conn.mu.RUnlock()
	for _, p := range conn.polls {
		if p.cfg.Name == poll && p.snap != nil {
			return *p.snap, true
		}
	}
	return Snapshot{}, false
}

// Stats returns per-poll statistics keyed by "<connection>.<poll>".
func (m *Manager) Stats() map[string]PollStats {
	out := make(map[string]PollStats)
	for _, conn := range m.conns {
		conn.mu.RLock()
		for _, p := range conn.polls {
			out[conn.cfg.Name+"."+p.cfg.Name] = p.stats
		}
		conn.mu.RUnlock()
	}
	return out
}

// Polls returns the poll settings of a connection.
func (c *Connection) Polls() []config.PollConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]config.PollConfig, len(c.polls))
	for i, p := range c.polls {
		out[i] = p.cfg
	}
	return out
}

func (m *Manager) lookup(name string) (*Connection, error) {
	conn := m.conns[name]
	if conn == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownConnection, name)
	}
	return conn, nil
}

// ReadRef reads ref over the named connection, connecting if needed.
func (m *Manager) ReadRef(ctx context.Context, name string, ref s7.AreaRef) ([]byte, error) {
	conn, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	client, err := m.client(ctx, conn, true)
	if err != nil {
		return nil, err
	}
	data, err := client.ReadRef(ctx, ref)
	if err != nil && connectionLost(err) && ctx.Err() == nil {
		conn.drop(client, err)
	}
	return data, err
}

// WriteRef writes data at ref over the named connection.
func (m *Manager) WriteRef(ctx context.Context, name string, ref s7.AreaRef, data []byte) error {
	conn, err := m.lookup(name)
	if err != nil {
		return err
	}
	client, err := m.client(ctx, conn, true)
	if err != nil {
		return err
	}
	err = client.WriteRef(ctx, ref, data)
	if err != nil && connectionLost(err) && ctx.Err() == nil {
		conn.drop(client, err)
	}
	return err
}

// ReadAddress reads and decodes an address string such as "DB1.DBW2".
func (m *Manager) ReadAddress(ctx context.Context, name string, addr *s7.Address) (*s7.Value, error) {
	data, err := m.ReadRef(ctx, name, addr.Ref())
	if err != nil {
		return nil, err
	}
	return s7.NewValue(addr, data), nil
}

// WriteAddress encodes value for addr and writes it. A BOOL at a bit
// address is written as read-modify-write of the containing byte; another
// writer touching the same byte in between is overwritten.
func (m *Manager) WriteAddress(ctx context.Context, name string, addr *s7.Address, value interface{}) error {
	data, err := s7.EncodeAddress(addr, value)
	if err != nil {
		return err
	}
	if addr.Type == s7.TypeBool && addr.Bit >= 0 {
		cur, err := m.ReadRef(ctx, name, addr.Ref())
		if err != nil {
			return fmt.Errorf("read before bit write: %w", err)
		}
		data = []byte{s7.MergeBit(cur[0], addr.Bit, data[0] != 0)}
	}
	return m.WriteRef(ctx, name, addr.Ref(), data)
}

// WriteValue parses address, applies typeName when set and writes value.
// It serves the MQTT and HTTP write paths.
func (m *Manager) WriteValue(ctx context.Context, name, address, typeName string, value interface{}) error {
	addr, err := s7.ParseAddress(address)
	if err != nil {
		return err
	}
	if typeName != "" {
		t, err := s7.ParseDataType(typeName)
		if err != nil {
			return err
		}
		if err := addr.ApplyType(t); err != nil {
			return err
		}
	}
	return m.WriteAddress(ctx, name, addr, value)
}
