package s7

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Bucher-Unipektin/s7connector/logging"
)

const (
	defaultS7Port  = 102
	defaultTimeout = 10 * time.Second

	minConnType = 1
	maxConnType = 10
	maxRack     = 7
	maxSlot     = 31
)

// transportState tracks the connection setup sequence.
type transportState int32

const (
	stateDisconnected transportState = iota
	stateHandshakeSent
	stateHandshakeConfirmed
	statePDUNegotiated
	stateReady
	stateFailed
)

func (s transportState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateHandshakeSent:
		return "handshake-sent"
	case stateHandshakeConfirmed:
		return "handshake-confirmed"
	case statePDUNegotiated:
		return "pdu-negotiated"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// transport handles the ISO-on-TCP and COTP layer for S7 communication.
// Exchanges are serialized by the owning session.
type transport struct {
	conn     net.Conn
	address  string
	family   Family
	connType int
	rack     int
	slot     int
	timeout  time.Duration

	state     atomic.Int32
	ref       uint16
	closeOnce sync.Once
	closeErr  error
}

// newTransport validates the connection parameters. No I/O is done.
func newTransport(address string, o options) (*transport, error) {
	if address == "" {
		return nil, configError("address must not be empty")
	}
	if o.rack < 0 || o.rack > maxRack {
		return nil, configError("rack must be between 0 and %d, but was %d", maxRack, o.rack)
	}
	if o.slot < 0 || o.slot > maxSlot {
		return nil, configError("slot must be between 0 and %d, but was %d", maxSlot, o.slot)
	}
	if o.connType < minConnType || o.connType > maxConnType {
		return nil, configError("connection type must be between %d and %d, but was %d",
			minConnType, maxConnType, o.connType)
	}
	if o.family.protocol() == protoUnknown {
		return nil, configError("unknown PLC family %s", o.family)
	}
	if o.timeout <= 0 {
		return nil, configError("timeout must be positive, but was %s", o.timeout)
	}
	if o.port < 0 || o.port > 0xFFFF {
		return nil, configError("port must be between 0 and 65535, but was %d", o.port)
	}
	return &transport{
		address:  resolveAddress(address, o.port),
		family:   o.family,
		connType: o.connType,
		rack:     o.rack,
		slot:     o.slot,
		timeout:  o.timeout,
	}, nil
}

// resolveAddress adds the port to a bare host. An explicit port in the
// address wins over the option.
func resolveAddress(address string, port int) string {
	if port == 0 {
		port = defaultS7Port
	}
	host, p, err := net.SplitHostPort(address)
	if err != nil {
		return net.JoinHostPort(address, strconv.Itoa(port))
	}
	if p == "" {
		return net.JoinHostPort(host, strconv.Itoa(port))
	}
	return address
}

func (t *transport) getState() transportState {
	return transportState(t.state.Load())
}

func (t *transport) setState(s transportState) {
	t.state.Store(int32(s))
}

// connect dials the PLC and performs the COTP handshake. On failure the
// socket is closed before the error is returned.
func (t *transport) connect(ctx context.Context) error {
	logging.DebugConnect("s7", t.address)

	d := net.Dialer{Timeout: t.timeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", t.address)
	if err != nil {
		t.setState(stateFailed)
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = interrupted(ctxErr)
		} else {
			err = fmt.Errorf("%w: TCP connect failed: %w", ErrTransport, err)
		}
		logging.DebugConnectError("s7", t.address, err)
		return err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetNoDelay(true)
	}
	t.conn = conn

	if err := t.cotpConnect(ctx); err != nil {
		t.fail()
		logging.DebugConnectError("s7", t.address, err)
		return err
	}
	return nil
}

// cotpConnect sends the connection request and waits for the confirm.
func (t *transport) cotpConnect(ctx context.Context) error {
	cr, err := connectionRequest(t.family, t.connType, t.rack, t.slot)
	if err != nil {
		return err
	}
	buf := make([]byte, maxRawLen)
	copy(buf[tpktHeaderSize:], cr[:])
	out, err := frame(buf, len(cr))
	if err != nil {
		return err
	}

	in := make([]byte, maxRawLen)
	t.setState(stateHandshakeSent)
	n, err := t.roundTrip(ctx, out, in)
	if err != nil {
		return fmt.Errorf("COTP connect failed: %w", err)
	}
	if n < tpktHeaderSize+2 || in[tpktHeaderSize+1] != cotpCC {
		got := byte(0)
		if n >= tpktHeaderSize+2 {
			got = in[tpktHeaderSize+1]
		}
		return malformed("expected COTP CC (0x%02X), got 0x%02X", cotpCC, got)
	}
	t.setState(stateHandshakeConfirmed)
	return nil
}

// negotiated records a completed PDU length negotiation.
func (t *transport) negotiated(pduLen int) {
	t.setState(statePDUNegotiated)
	logging.DebugConnectSuccess("s7", t.address,
		fmt.Sprintf("family=%s rack=%d slot=%d type=%d pdu=%d", t.family, t.rack, t.slot, t.connType, pduLen))
	t.setState(stateReady)
}

// exchange sends one PDU and reads one framed response. req is the PDU
// placed at mem[pduStart:]; the returned slice is the response PDU.
func (t *transport) exchange(ctx context.Context, mem []byte, req *pdu) ([]byte, error) {
	switch t.getState() {
	case stateHandshakeConfirmed, statePDUNegotiated, stateReady:
	case stateFailed:
		return nil, fmt.Errorf("%w: transport failed", ErrNotConnected)
	default:
		return nil, fmt.Errorf("%w: transport is %s", ErrNotConnected, t.getState())
	}

	t.ref++
	req.setRef(t.ref)
	copy(mem[tpktHeaderSize:], cotpDTHeader[:])
	out, err := frame(mem, cotpDTHeaderSize+req.size())
	if err != nil {
		return nil, err
	}

	in := make([]byte, maxRawLen)
	n, err := t.roundTrip(ctx, out, in)
	if err != nil {
		t.fail()
		return nil, err
	}
	if n < pduStart || in[tpktHeaderSize+1] != cotpDT {
		t.fail()
		return nil, malformed("expected COTP DT in %d byte response", n)
	}
	return in[pduStart:n], nil
}

// roundTrip writes out and reads one frame into in, bounded by the
// transport timeout and by ctx.
func (t *transport) roundTrip(ctx context.Context, out, in []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, interrupted(err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := t.conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		return 0, fmt.Errorf("%w: failed to set deadline: %w", ErrTransport, err)
	}

	logging.DebugTX("s7", out)
	if _, err := t.conn.Write(out); err != nil {
		return 0, t.ioError(ctx, "write", err)
	}
	n, err := readFrame(t.conn, in)
	if err != nil {
		if errors.Is(err, ErrTransport) {
			return 0, t.ioError(ctx, "read", err)
		}
		return 0, err
	}
	logging.DebugRX("s7", in[:n])
	return n, nil
}

// ioError classifies a socket error, preferring context cancellation.
func (t *transport) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return interrupted(ctxErr)
	}
	if errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %s failed: %w", ErrTransport, op, err)
}

// fail marks the transport unusable and closes the socket.
func (t *transport) fail() {
	t.setState(stateFailed)
	_ = t.close("failed")
}

// close closes the socket once. Errors from a socket that is already shut
// down are not reported.
func (t *transport) close(reason string) error {
	t.closeOnce.Do(func() {
		if t.getState() != stateFailed {
			t.setState(stateDisconnected)
		}
		if t.conn == nil {
			return
		}
		logging.DebugDisconnect("s7", t.address, reason)
		if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			t.closeErr = fmt.Errorf("%w: close failed: %w", ErrTransport, err)
		}
	})
	return t.closeErr
}
