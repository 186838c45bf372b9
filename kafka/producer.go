package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Bucher-Unipektin/s7connector/config"
	"github.com/Bucher-Unipektin/s7connector/logging"
	"github.com/Bucher-Unipektin/s7connector/namespace"
	"github.com/Bucher-Unipektin/s7connector/poller"
)

const (
	dialTimeout         = 10 * time.Second
	defaultRetryBackoff = 100 * time.Millisecond
)

var errNotConnected = errors.New("kafka producer not connected")

// ConnectionStatus represents the state of a Kafka connection.
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

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes snapshots to the configured topic, keyed by
// "<connection>.<poll>" so one poll always lands on one partition.
type Producer struct {
	config  *config.KafkaConfig
	ns      *namespace.Builder
	writer  messageWriter
	status  ConnectionStatus
	lastErr error
	mu      sync.RWMutex

	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time

	probe     func(ctx context.Context) error
	newWriter func() (messageWriter, error)
}

// NewProducer creates a producer for cfg. Without a configured topic
// snapshots go to "<root>.areas".
func NewProducer(cfg *config.KafkaConfig, root string) *Producer {
	p := &Producer{config: cfg, ns: namespace.New(root), status: StatusDisconnected}
	p.probe = p.dialBroker
	p.newWriter = p.createWriter
	return p
}

// Name identifies the sink in logs.
func (p *Producer) Name() string {
	return "kafka/" + p.config.Name
}

// Status returns the current connection status.
func (p *Producer) Status() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Error returns the last error.
func (p *Producer) Error() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// Stats returns producer statistics.
func (p *Producer) Stats() (sent, failed int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Connect checks that a broker is reachable and creates the topic writer.
func (p *Producer) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	p.mu.Unlock()

	logging.DebugLog("kafka", "CONNECT %s: brokers %v", p.config.Name, p.config.Brokers)

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	err := p.probe(ctx)
	var w messageWriter
	if err == nil {
		w, err = p.newWriter()
	}
	if err != nil {
		p.mu.Lock()
		p.status = StatusError
		p.lastErr = fmt.Errorf("connect %s: %w", p.config.Name, err)
		err = p.lastErr
		p.mu.Unlock()
		logging.DebugLog("kafka", "CONNECT %s: FAILED - %v", p.config.Name, err)
		return err
	}

	p.mu.Lock()
	p.writer = w
	p.status = StatusConnected
	p.mu.Unlock()
	logging.DebugLog("kafka", "CONNECT %s: connected, topic %s", p.config.Name, p.Topic())
	return nil
}

// Topic returns the topic snapshots are written to.
func (p *Producer) Topic() string {
	if p.config.Topic != "" {
		return p.config.Topic
	}
	return p.ns.KafkaTopic()
}

// Disconnect closes the writer.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	w := p.writer
	p.writer = nil
	p.status = StatusDisconnected
	p.lastErr = nil
	p.mu.Unlock()
	if w != nil {
		w.Close()
	}
	logging.DebugLog("kafka", "DISCONNECT %s", p.config.Name)
}

// Produce sends one message and waits for the broker acknowledgement.
func (p *Producer) Produce(ctx context.Context, key, value []byte) error {
	p.mu.RLock()
	w := p.writer
	p.mu.RUnlock()
	if w == nil {
		return errNotConnected
	}

	start := time.Now()
	err := w.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Time: start})

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.messagesError++
		p.lastErr = err
		logging.DebugLog("kafka", "PRODUCE %s: FAILED topic %s after %v: %v", p.config.Name, p.Topic(), time.Since(start), err)
		return fmt.Errorf("kafka produce: %w", err)
	}
	p.messagesSent++
	p.lastSendTime = time.Now()
	p.lastErr = nil
	return nil
}

// ProduceWithRetry retries Produce with a linear backoff.
func (p *Producer) ProduceWithRetry(ctx context.Context, key, value []byte, maxRetries int, backoff time.Duration) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		err := p.Produce(ctx, key, value)
		if err == nil {
			return nil
		}
		if errors.Is(err, errNotConnected) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("kafka produce failed after %d attempts: %w", maxRetries+1, lastErr)
}

// Publish sends snap as JSON.
func (p *Producer) Publish(ctx context.Context, snap poller.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	backoff := p.config.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	return p.ProduceWithRetry(ctx, []byte(p.ns.KafkaKey(snap.Connection, snap.Poll)), data, p.config.MaxRetries, backoff)
}

func (p *Producer) dialer() (*kafka.Dialer, error) {
	mech, err := saslMechanism(p.config)
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       dialTimeout,
		DualStack:     true,
		TLS:           tlsConfig(p.config),
		SASLMechanism: mech,
	}, nil
}

// dialBroker tries each broker in turn until one answers a metadata request.
func (p *Producer) dialBroker(ctx context.Context) error {
	d, err := p.dialer()
	if err != nil {
		return err
	}
	var lastErr error
	for _, broker := range p.config.Brokers {
		conn, err := d.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Controller()
		conn.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return lastErr
}

func (p *Producer) createWriter() (messageWriter, error) {
	mech, err := saslMechanism(p.config)
	if err != nil {
		return nil, err
	}
	return &kafka.Writer{
		Addr:     kafka.TCP(p.config.Brokers...),
		Topic:    p.Topic(),
		Balancer: &kafka.Hash{},
		Transport: &kafka.Transport{
			DialTimeout: dialTimeout,
			TLS:         tlsConfig(p.config),
			SASL:        mech,
		},
		RequiredAcks:           requiredAcks(p.config.RequiredAcks),
		MaxAttempts:            p.config.MaxRetries + 1,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: p.config.AutoCreate,
		ErrorLogger:            kafka.LoggerFunc(logging.Printf("kafka")),
	}, nil
}
