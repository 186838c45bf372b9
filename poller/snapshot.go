package poller

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/Bucher-Unipektin/s7connector/s7"
)

// Snapshot is the result of one read of a poll. It is the unit handed to
// sinks and served by the API.
type Snapshot struct {
	Connection string      `json:"connection"`
	Poll       string      `json:"poll"`
	Address    string      `json:"address"`
	Type       string      `json:"type"`
	Value      interface{} `json:"value"`
	Raw        string      `json:"raw"` // hex
	Timestamp  time.Time   `json:"timestamp"`
	Error      string      `json:"error,omitempty"`
}

// Key identifies the poll as "<connection>.<poll>".
func (s Snapshot) Key() string {
	return s.Connection + "." + s.Poll
}

// Online reports whether the snapshot carries data.
func (s Snapshot) Online() bool {
	return s.Error == ""
}

// newSnapshot decodes raw bytes read for addr. A decode failure keeps the
// raw bytes and records the error so the block is still published.
func newSnapshot(conn, poll string, addr *s7.Address, raw []byte, at time.Time) Snapshot {
	snap := Snapshot{
		Connection: conn,
		Poll:       poll,
		Address:    addr.String(),
		Type:       addr.Type.String(),
		Raw:        hex.EncodeToString(raw),
		Timestamp:  at,
	}
	v, err := s7.NewValue(addr, raw).GoValue()
	if err != nil {
		snap.Error = err.Error()
		return snap
	}
	snap.Value = v
	return snap
}

// Sink receives snapshots whose raw bytes changed since the previous read.
type Sink interface {
	Name() string
	Publish(ctx context.Context, snap Snapshot) error
}
