package s7

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ChunkSize is the largest number of bytes moved by a single PDU exchange.
// It is even so a window never splits a 2-byte timer or counter element.
const ChunkSize = 96

var _ = [1]struct{}{}[ChunkSize%2]

// Connection types sent in the destination TSAP.
const (
	ConnTypePG    = 1
	ConnTypeOP    = 2
	ConnTypeBasic = 3
)

// Conn is a connection to a Siemens S7 PLC. It is safe for concurrent use:
// each Read or Write runs to completion before the next one starts.
type Conn struct {
	t    *transport
	s    *session
	op   *semaphore.Weighted
	done atomic.Bool
}

type options struct {
	family   Family
	connType int
	rack     int
	slot     int
	timeout  time.Duration
	port     int
}

func defaultOptions() options {
	return options{
		family:   FamilySNon200,
		connType: ConnTypePG,
		rack:     0,
		slot:     2,
		timeout:  defaultTimeout,
		port:     defaultS7Port,
	}
}

// Option configures a Conn.
type Option func(*options)

// WithRackSlot sets the rack and slot for the connection.
func WithRackSlot(rack, slot int) Option {
	return func(o *options) {
		o.rack = rack
		o.slot = slot
	}
}

// WithType sets the connection type (1 = PG, 2 = OP, 3 = S7 basic, 4-10 generic).
func WithType(connType int) Option {
	return func(o *options) {
		o.connType = connType
	}
}

// WithFamily selects the PLC family.
func WithFamily(f Family) Option {
	return func(o *options) {
		o.family = f
	}
}

// WithTimeout sets the timeout for connect and for each response.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithPort sets the TCP port used when the address carries none.
func WithPort(port int) Option {
	return func(o *options) {
		o.port = port
	}
}

// Dial connects to the PLC at address, performs the COTP handshake and
// negotiates the PDU length. Parameters are validated before any I/O.
func Dial(ctx context.Context, address string, opts ...Option) (*Conn, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	t, err := newTransport(address, o)
	if err != nil {
		return nil, err
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	c := &Conn{
		t:  t,
		s:  newSession(t),
		op: semaphore.NewWeighted(1),
	}
	n, err := c.s.negotiatePDULength(ctx)
	if err != nil {
		t.fail()
		return nil, fmt.Errorf("PDU length negotiation failed: %w", err)
	}
	t.negotiated(n)
	return c, nil
}

// Address returns the resolved host:port of the PLC.
func (c *Conn) Address() string {
	return c.t.address
}

// MaxPDULength returns the PDU length granted by the PLC.
func (c *Conn) MaxPDULength() int {
	return c.s.pduLength()
}

// Read reads length bytes starting at offset. Transfers larger than
// ChunkSize are split into several exchanges while the operation lock is held.
func (c *Conn) Read(ctx context.Context, area Area, number, length, offset int) ([]byte, error) {
	return c.ReadRef(ctx, AreaRef{Area: area, Number: number, Offset: offset, Length: length})
}

// ReadRef reads the byte range described by ref.
func (c *Conn) ReadRef(ctx context.Context, ref AreaRef) ([]byte, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	defer c.op.Release(1)

	out := make([]byte, ref.Length)
	for _, ch := range Chunks(0, ref.Length, ChunkSize) {
		if c.done.Load() {
			return nil, ErrClosed
		}
		start := ref.wireStart(ch.Offset)
		if err := c.s.readBytes(ctx, ref.Area, ref.wireNumber(), start, out[ch.Offset:ch.Offset+ch.Length]); err != nil {
			return nil, fmt.Errorf("read %s at %d: %w", ref, start, err)
		}
	}
	return out, nil
}

// Write writes data starting at offset.
func (c *Conn) Write(ctx context.Context, area Area, number, offset int, data []byte) error {
	return c.WriteRef(ctx, AreaRef{Area: area, Number: number, Offset: offset, Length: len(data)}, data)
}

// WriteRef writes data to the range described by ref. ref.Length must equal
// len(data).
func (c *Conn) WriteRef(ctx context.Context, ref AreaRef, data []byte) error {
	if len(data) == 0 {
		return argError("data must not be empty")
	}
	if ref.Length != len(data) {
		return argError("length %d does not match data size %d", ref.Length, len(data))
	}
	if err := ref.Validate(); err != nil {
		return err
	}
	if err := c.begin(ctx); err != nil {
		return err
	}
	defer c.op.Release(1)

	for _, ch := range Chunks(0, ref.Length, ChunkSize) {
		if c.done.Load() {
			return ErrClosed
		}
		start := ref.wireStart(ch.Offset)
		if err := c.s.writeBytes(ctx, ref.Area, ref.wireNumber(), start, data[ch.Offset:ch.Offset+ch.Length]); err != nil {
			return fmt.Errorf("write %s at %d: %w", ref, start, err)
		}
	}
	return nil
}

// begin checks the closed flag and acquires the operation lock.
func (c *Conn) begin(ctx context.Context) error {
	if c.done.Load() {
		return ErrClosed
	}
	if err := c.op.Acquire(ctx, 1); err != nil {
		return interrupted(err)
	}
	if c.done.Load() {
		c.op.Release(1)
		return ErrClosed
	}
	return nil
}

// Close closes the connection. Calling Close more than once is safe.
func (c *Conn) Close() error {
	if !c.done.CompareAndSwap(false, true) {
		return nil
	}
	return c.t.close("closed by client")
}

// Chunk is one window of a chunked transfer.
type Chunk struct {
	Offset int
	Length int
}

// Chunks splits [offset, offset+length) into windows of size ceiling
// followed by the remainder, in ascending order.
func Chunks(offset, length, ceiling int) []Chunk {
	if length <= 0 || ceiling <= 0 {
		return nil
	}
	chunks := make([]Chunk, 0, (length+ceiling-1)/ceiling)
	for done := 0; done < length; done += ceiling {
		chunks = append(chunks, Chunk{Offset: offset + done, Length: min(ceiling, length-done)})
	}
	return chunks
}
