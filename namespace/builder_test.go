package namespace

import "testing"

func TestBuilder(t *testing.T) {
	b := New("plant")
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"MQTTValueTopic", b.MQTTValueTopic("press", "status"), "plant/press/areas/status"},
		{"MQTTWriteTopic", b.MQTTWriteTopic("press"), "plant/press/write"},
		{"MQTTWriteResponseTopic", b.MQTTWriteResponseTopic("press"), "plant/press/write/response"},
		{"ValkeyKey", b.ValkeyKey("press", "status"), "plant:press:status"},
		{"ValkeyChangesChannel", b.ValkeyChangesChannel("press"), "plant:press:changes"},
		{"ValkeyAllChangesChannel", b.ValkeyAllChangesChannel(), "plant:_all:changes"},
		{"KafkaTopic", b.KafkaTopic(), "plant.areas"},
		{"KafkaKey", b.KafkaKey("press", "status"), "press.status"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
	if got := New("/plant/").MQTTWriteTopic("a"); got != "plant/a/write" {
		t.Errorf("trimmed namespace topic = %q", got)
	}
}

func TestMQTTWriteConnection(t *testing.T) {
	b := New("plant")
	tests := []struct {
		topic string
		want  string
		ok    bool
	}{
		{"plant/press/write", "press", true},
		{"plant/press/write/response", "", false},
		{"other/press/write", "", false},
		{"plant//write", "", false},
		{"plant/a/b/write", "", false},
	}
	for _, tt := range tests {
		got, ok := b.MQTTWriteConnection(tt.topic)
		if got != tt.want || ok != tt.ok {
			t.Errorf("MQTTWriteConnection(%q) = %q, %v, want %q, %v", tt.topic, got, ok, tt.want, tt.ok)
		}
	}
}

func TestJoinKey(t *testing.T) {
	tests := []struct {
		segments []string
		want     string
	}{
		{[]string{"plant", "press", "status"}, "plant:press:status"},
		{[]string{"plant:", ":press", "status"}, "plant:press:status"},
		{[]string{"", "press", "status"}, "press:status"},
		{[]string{"plant", "", ""}, "plant"},
	}
	for _, tt := range tests {
		if got := joinKey(tt.segments...); got != tt.want {
			t.Errorf("joinKey(%q) = %q, want %q", tt.segments, got, tt.want)
		}
	}
}
