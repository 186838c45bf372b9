// Package namespace constructs topics and keys with a consistent namespace
// prefix across MQTT, Valkey and Kafka.
package namespace

import "strings"

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
}

// New creates a new namespace builder.
func New(namespace string) *Builder {
	return &Builder{namespace: strings.Trim(namespace, "/:")}
}

// Namespace returns the prefix.
func (b *Builder) Namespace() string {
	return b.namespace
}

// --- MQTT (delimiter: /) ---

// MQTTValueTopic returns the retained topic for a poll: {ns}/{conn}/areas/{poll}
func (b *Builder) MQTTValueTopic(conn, poll string) string {
	return b.namespace + "/" + conn + "/areas/" + poll
}

// MQTTWriteTopic returns the topic for write requests: {ns}/{conn}/write
func (b *Builder) MQTTWriteTopic(conn string) string {
	return b.namespace + "/" + conn + "/write"
}

// MQTTWriteResponseTopic returns the topic for write responses: {ns}/{conn}/write/response
func (b *Builder) MQTTWriteResponseTopic(conn string) string {
	return b.MQTTWriteTopic(conn) + "/response"
}

// MQTTWriteConnection extracts {conn} from a write topic.
func (b *Builder) MQTTWriteConnection(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.namespace+"/")
	if !ok {
		return "", false
	}
	conn, ok := strings.CutSuffix(rest, "/write")
	if !ok || conn == "" || strings.Contains(conn, "/") {
		return "", false
	}
	return conn, true
}

// --- Valkey (delimiter: :) ---

// ValkeyKey returns the key for a poll: {ns}:{conn}:{poll}
func (b *Builder) ValkeyKey(conn, poll string) string {
	return joinKey(b.namespace, conn, poll)
}

// ValkeyChangesChannel returns the channel for one connection: {ns}:{conn}:changes
func (b *Builder) ValkeyChangesChannel(conn string) string {
	return joinKey(b.namespace, conn, "changes")
}

// ValkeyAllChangesChannel returns the channel for all changes: {ns}:_all:changes
func (b *Builder) ValkeyAllChangesChannel() string {
	return joinKey(b.namespace, "_all", "changes")
}

// joinKey joins key segments with colons, trimming leading and trailing
// colons from each segment and skipping empty ones.
func joinKey(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// --- Kafka (delimiter: .) ---

// KafkaTopic returns the default topic for snapshots: {ns}.areas
func (b *Builder) KafkaTopic() string {
	return b.namespace + ".areas"
}

// KafkaKey returns the message key for a poll: {conn}.{poll}
func (b *Builder) KafkaKey(conn, poll string) string {
	return conn + "." + poll
}
