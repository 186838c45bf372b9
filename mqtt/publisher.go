// Package mqtt publishes poll snapshots to MQTT brokers and accepts write
// requests on per-connection topics.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Bucher-Unipektin/s7connector/config"
	"github.com/Bucher-Unipektin/s7connector/logging"
	"github.com/Bucher-Unipektin/s7connector/namespace"
	"github.com/Bucher-Unipektin/s7connector/poller"
)

// MaxWriteWorkers is the number of goroutines serving write requests per publisher.
const MaxWriteWorkers = 5

// MaxWriteQueueSize is the maximum number of pending write requests per publisher.
const MaxWriteQueueSize = 100

const (
	connectTimeout = 5 * time.Second
	tokenTimeout   = 2 * time.Second
	writeTimeout   = 10 * time.Second
)

var errNotRunning = errors.New("mqtt publisher not connected")

// SetLogger routes paho's error and critical output to l.
func SetLogger(l pahomqtt.Logger) {
	pahomqtt.ERROR = l
	pahomqtt.CRITICAL = l
}

// brokerClient is the subset of pahomqtt.Client the publisher uses.
type brokerClient interface {
	Connect() pahomqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
}

// WriteHandler performs a write requested over MQTT. typeName may be empty.
type WriteHandler func(ctx context.Context, connection, address, typeName string, value interface{}) error

// WriteRequest is the JSON payload accepted on <root>/<connection>/write.
type WriteRequest struct {
	Address string      `json:"address"`
	Type    string      `json:"type,omitempty"`
	Value   interface{} `json:"value"`
}

// WriteResponse is published to <root>/<connection>/write/response.
type WriteResponse struct {
	Connection string      `json:"connection"`
	Address    string      `json:"address"`
	Value      interface{} `json:"value"`
	Success    bool        `json:"success"`
	Error      string      `json:"error,omitempty"`
	Timestamp  string      `json:"timestamp"`
}

type writeJob struct {
	connection string
	req        WriteRequest
	err        error // set for requests rejected before reaching the handler
}

// Publisher handles one MQTT broker.
type Publisher struct {
	config      *config.MQTTConfig
	ns          *namespace.Builder
	connections []string

	mu           sync.RWMutex
	client       brokerClient
	running      bool
	writeHandler WriteHandler

	writeQueue chan writeJob
	stopChan   chan struct{}
	wg         sync.WaitGroup

	newClient func(*pahomqtt.ClientOptions) brokerClient
}

// NewPublisher creates a publisher for cfg. root is the first topic level,
// connections the PLC names that accept writes when enabled.
func NewPublisher(cfg *config.MQTTConfig, root string, connections []string) *Publisher {
	return &Publisher{
		config:      cfg,
		ns:          namespace.New(root),
		connections: connections,
		writeQueue:  make(chan writeJob, MaxWriteQueueSize),
		stopChan:    make(chan struct{}),
		newClient: func(o *pahomqtt.ClientOptions) brokerClient {
			return pahomqtt.NewClient(o)
		},
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return "mqtt/" + p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// SetWriteHandler sets the callback for write requests.
func (p *Publisher) SetWriteHandler(h WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = h
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	scheme := "tcp"
	if p.config.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.config.Broker, p.config.Port)
}

func (p *Publisher) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientID := p.config.ClientID
	if clientID == "" {
		clientID = "s7connector-" + p.config.Name
	}
	opts.SetClientID(clientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		// Subscriptions are lost on reconnect with a clean session.
		p.subscribeWriteTopics()
	})
	return opts
}

// Start connects to the broker and, if enabled, subscribes to the write
// topics.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	client := p.newClient(p.clientOptions())
	logging.DebugLog("mqtt", "%s: connecting to %s", p.config.Name, p.Address())

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		logging.DebugLog("mqtt", "%s: connect timeout", p.config.Name)
		return fmt.Errorf("mqtt %s: connection timeout", p.config.Name)
	}
	if err := token.Error(); err != nil {
		logging.DebugLog("mqtt", "%s: connect error: %v", p.config.Name, err)
		return fmt.Errorf("mqtt %s: %w", p.config.Name, err)
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	logging.DebugLog("mqtt", "%s: connected", p.config.Name)
	if p.config.EnableWrites {
		for i := 0; i < MaxWriteWorkers; i++ {
			p.wg.Add(1)
			go p.writeWorker(p.stopChan)
		}
		p.subscribeWriteTopics()
	}
	return nil
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil
	oldStop := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStop)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("mqtt", "%s: timeout waiting for write workers", p.config.Name)
	}

	client.Disconnect(500)
}

// ValueTopic returns the retained topic for a poll.
func (p *Publisher) ValueTopic(connection, poll string) string {
	return p.ns.MQTTValueTopic(connection, poll)
}

// Publish sends snap as a retained JSON message.
func (p *Publisher) Publish(ctx context.Context, snap poller.Snapshot) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return errNotRunning
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("mqtt: encode snapshot: %w", err)
	}
	token := client.Publish(p.ValueTopic(snap.Connection, snap.Poll), 1, true, payload)
	return waitToken(ctx, token)
}

// waitToken waits for token until ctx is done or tokenTimeout passes.
func waitToken(ctx context.Context, token pahomqtt.Token) error {
	timer := time.NewTimer(tokenTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("mqtt: publish timeout")
	}
}

func (p *Publisher) subscribeWriteTopics() {
	if !p.config.EnableWrites {
		return
	}
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return
	}

	for _, conn := range p.connections {
		topic := p.ns.MQTTWriteTopic(conn)
		token := client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			p.handleWrite(msg.Topic(), msg.Payload())
		})
		if !token.WaitTimeout(tokenTimeout) {
			logging.DebugLog("mqtt", "%s: subscribe timeout for %s", p.config.Name, topic)
			continue
		}
		if err := token.Error(); err != nil {
			logging.DebugLog("mqtt", "%s: subscribe error for %s: %v", p.config.Name, topic, err)
			continue
		}
		logging.DebugLog("mqtt", "%s: subscribed to %s", p.config.Name, topic)
	}
}

// connectionFromTopic extracts <connection> from <root>/<connection>/write.
func (p *Publisher) connectionFromTopic(topic string) (string, bool) {
	return p.ns.MQTTWriteConnection(topic)
}

// handleWrite decodes a write request and queues it for a worker.
func (p *Publisher) handleWrite(topic string, payload []byte) {
	conn, ok := p.connectionFromTopic(topic)
	if !ok {
		logging.DebugLog("mqtt", "%s: ignoring message on %s", p.config.Name, topic)
		return
	}

	job := writeJob{connection: conn}
	if err := json.Unmarshal(payload, &job.req); err != nil {
		job.err = fmt.Errorf("invalid JSON: %v", err)
	} else if job.req.Address == "" {
		job.err = errors.New("address is required")
	}

	p.mu.RLock()
	queue := p.writeQueue
	p.mu.RUnlock()
	select {
	case queue <- job:
	default:
		logging.DebugLog("mqtt", "%s: write queue full, rejecting %s %s", p.config.Name, conn, job.req.Address)
		go p.publishWriteResponse(job, errors.New("write queue full, try again later"))
	}
}

func (p *Publisher) writeWorker(stop chan struct{}) {
	defer p.wg.Done()

	p.mu.RLock()
	queue := p.writeQueue
	p.mu.RUnlock()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			p.publishWriteResponse(job, p.execute(job))
		}
	}
}

func (p *Publisher) execute(job writeJob) error {
	if job.err != nil {
		return job.err
	}
	p.mu.RLock()
	handler := p.writeHandler
	p.mu.RUnlock()
	if handler == nil {
		return errors.New("writes are not enabled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	logging.DebugLog("mqtt", "%s: write %s %s = %v", p.config.Name, job.connection, job.req.Address, job.req.Value)
	err := handler(ctx, job.connection, job.req.Address, job.req.Type, job.req.Value)
	if err != nil {
		logging.DebugLog("mqtt", "%s: write failed: %v", p.config.Name, err)
	}
	return err
}

func (p *Publisher) publishWriteResponse(job writeJob, err error) {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return
	}

	resp := WriteResponse{
		Connection: job.connection,
		Address:    job.req.Address,
		Value:      job.req.Value,
		Success:    err == nil,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	payload, _ := json.Marshal(resp)
	client.Publish(p.ns.MQTTWriteResponseTopic(job.connection), 1, false, payload).WaitTimeout(tokenTimeout)
}

// Manager holds the publishers of every configured broker.
type Manager struct {
	mu         sync.RWMutex
	publishers []*Publisher
}

// NewManager creates publishers for the enabled brokers in cfgs.
func NewManager(cfgs []config.MQTTConfig, root string, connections []string) *Manager {
	m := &Manager{}
	for i := range cfgs {
		if cfgs[i].Enabled {
			m.publishers = append(m.publishers, NewPublisher(&cfgs[i], root, connections))
		}
	}
	return m
}

// List returns the managed publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Publisher, len(m.publishers))
	copy(out, m.publishers)
	return out
}

// SetWriteHandler installs h on every publisher.
func (m *Manager) SetWriteHandler(h WriteHandler) {
	for _, p := range m.List() {
		p.SetWriteHandler(h)
	}
}

// StartAll starts every publisher and returns the number that connected.
func (m *Manager) StartAll() int {
	n := 0
	for _, p := range m.List() {
		if err := p.Start(); err != nil {
			logging.DebugLog("mqtt", "start %s: %v", p.config.Name, err)
			continue
		}
		n++
	}
	return n
}

// StopAll stops every publisher.
func (m *Manager) StopAll() {
	for _, p := range m.List() {
		p.Stop()
	}
}
