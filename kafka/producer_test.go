package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/Bucher-Unipektin/s7connector/config"
	"github.com/Bucher-Unipektin/s7connector/poller"
)

type fakeWriter struct {
	mu     sync.Mutex
	fails  int
	msgs   []kafka.Message
	calls  int
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.fails > 0 {
		w.fails--
		return errors.New("leader not available")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func newTestProducer(cfg *config.KafkaConfig, w *fakeWriter, probeErr error) *Producer {
	p := NewProducer(cfg, "plant")
	p.probe = func(context.Context) error { return probeErr }
	p.newWriter = func() (messageWriter, error) { return w, nil }
	return p
}

func TestProducer_Publish(t *testing.T) {
	w := &fakeWriter{fails: 1}
	cfg := &config.KafkaConfig{Name: "events", Brokers: []string{"localhost:9092"}, Topic: "s7", MaxRetries: 2, RetryBackoff: time.Millisecond}
	p := newTestProducer(cfg, w, nil)
	snap := poller.Snapshot{Connection: "press", Poll: "status", Raw: "01", Value: uint8(1)}

	if err := p.Publish(context.Background(), snap); !errors.Is(err, errNotConnected) {
		t.Errorf("Publish() before Connect error = %v, want errNotConnected", err)
	}
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if p.Status() != StatusConnected {
		t.Errorf("Status() = %v, want Connected", p.Status())
	}

	if err := p.Publish(context.Background(), snap); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if w.calls != 2 || len(w.msgs) != 1 {
		t.Fatalf("calls = %d msgs = %d, want one retry then success", w.calls, len(w.msgs))
	}
	if string(w.msgs[0].Key) != "press.status" {
		t.Errorf("key = %q, want press.status", w.msgs[0].Key)
	}
	var got poller.Snapshot
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil || got.Raw != "01" {
		t.Errorf("value = %s (%v)", w.msgs[0].Value, err)
	}
	sent, failed, _ := p.Stats()
	if sent != 1 || failed != 1 {
		t.Errorf("Stats() = %d sent, %d failed, want 1, 1", sent, failed)
	}

	p.Disconnect()
	if !w.closed || p.Status() != StatusDisconnected {
		t.Error("Disconnect() did not close the writer")
	}
}

func TestProducer_RetriesExhausted(t *testing.T) {
	w := &fakeWriter{fails: 10}
	cfg := &config.KafkaConfig{Name: "events", Topic: "s7", MaxRetries: 1, RetryBackoff: time.Millisecond}
	p := newTestProducer(cfg, w, nil)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Publish(context.Background(), poller.Snapshot{Connection: "a", Poll: "b"}); err == nil {
		t.Fatal("Publish() expected error")
	}
	if w.calls != 2 {
		t.Errorf("calls = %d, want 2", w.calls)
	}
}

func TestProducer_ConnectError(t *testing.T) {
	p := newTestProducer(&config.KafkaConfig{Name: "events"}, &fakeWriter{}, errors.New("dial tcp: refused"))
	if err := p.Connect(context.Background()); err == nil {
		t.Fatal("Connect() expected error")
	}
	if p.Status() != StatusError || p.Error() == nil {
		t.Errorf("Status() = %v Error() = %v", p.Status(), p.Error())
	}
}

func TestProducer_Topic(t *testing.T) {
	if got := NewProducer(&config.KafkaConfig{Topic: "plc-events"}, "plant").Topic(); got != "plc-events" {
		t.Errorf("Topic() = %q, want plc-events", got)
	}
	if got := NewProducer(&config.KafkaConfig{}, "plant").Topic(); got != "plant.areas" {
		t.Errorf("Topic() = %q, want plant.areas", got)
	}
}

func TestSASLMechanism(t *testing.T) {
	tests := []struct {
		mech    string
		user    string
		want    string
		wantErr bool
	}{
		{"", "", "", false},
		{"", "bob", "PLAIN", false},
		{"plain", "bob", "PLAIN", false},
		{"SCRAM-SHA-256", "bob", "SCRAM-SHA-256", false},
		{"SCRAM-SHA-512", "bob", "SCRAM-SHA-512", false},
		{"GSSAPI", "bob", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.mech+"/"+tt.user, func(t *testing.T) {
			m, err := saslMechanism(&config.KafkaConfig{SASLMechanism: tt.mech, Username: tt.user, Password: "pw"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("saslMechanism(%q) error = %v, wantErr %v", tt.mech, err, tt.wantErr)
			}
			if tt.want == "" {
				if m != nil {
					t.Errorf("saslMechanism(%q) = %v, want nil", tt.mech, m)
				}
				return
			}
			if m == nil || m.Name() != tt.want {
				t.Errorf("saslMechanism(%q) = %v, want %s", tt.mech, m, tt.want)
			}
		})
	}
	if m, _ := saslMechanism(&config.KafkaConfig{Username: "bob", Password: "pw"}); m.(plain.Mechanism).Username != "bob" {
		t.Errorf("plain mechanism = %+v", m)
	}
}

func TestRequiredAcks(t *testing.T) {
	tests := map[int]kafka.RequiredAcks{
		-1: kafka.RequireAll,
		0:  kafka.RequireAll,
		1:  kafka.RequireOne,
	}
	for in, want := range tests {
		if got := requiredAcks(in); got != want {
			t.Errorf("requiredAcks(%d) = %v, want %v", in, got, want)
		}
	}
}

func TestTLSConfig(t *testing.T) {
	if tlsConfig(&config.KafkaConfig{}) != nil {
		t.Error("tlsConfig() != nil with TLS off")
	}
	c := tlsConfig(&config.KafkaConfig{UseTLS: true, TLSSkipVerify: true})
	if c == nil || !c.InsecureSkipVerify {
		t.Errorf("tlsConfig() = %+v", c)
	}
}

func TestNewManager(t *testing.T) {
	m := NewManager([]config.KafkaConfig{
		{Name: "on", Enabled: true, Brokers: []string{"a:9092"}, Topic: "t"},
		{Name: "off", Brokers: []string{"b:9092"}, Topic: "t"},
	}, "s7")
	if len(m.List()) != 1 || m.Get("on") == nil {
		t.Errorf("List() = %v, want only the enabled cluster", m.List())
	}
}
