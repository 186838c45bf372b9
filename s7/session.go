package s7

import (
	"context"
	"sync"

	"github.com/Bucher-Unipektin/s7connector/logging"
)

// exchanger sends one request PDU and returns the response PDU.
type exchanger interface {
	exchange(ctx context.Context, mem []byte, req *pdu) ([]byte, error)
}

// session performs single-PDU reads, writes and the PDU length negotiation.
// Every exchange holds mu, so at most one request is in flight per socket.
type session struct {
	mu     sync.Mutex
	x      exchanger
	maxPDU int
}

func newSession(x exchanger) *session {
	return &session{x: x}
}

// negotiatePDULength runs the setup communication exchange and stores the
// PDU length granted by the PLC.
func (s *session) negotiatePDULength(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, mem := newRequestPDU()
	req.initNegotiate()
	resp, err := s.exchange(ctx, mem, req)
	if err != nil {
		return 0, err
	}
	n, err := resp.negotiatedLength()
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, malformed("PLC granted PDU length %d", n)
	}
	s.maxPDU = n
	return n, nil
}

// readBytes reads exactly len(out) bytes starting at start.
func (s *session) readBytes(ctx context.Context, area Area, number, start int, out []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, mem := newRequestPDU()
	req.initReadRequest()
	if err := req.addVarToReadRequest(area, number, start, len(out)); err != nil {
		return err
	}
	resp, err := s.exchange(ctx, mem, req)
	if err != nil {
		return err
	}
	if err := resp.testReadResult(); err != nil {
		return err
	}
	if resp.udlen == 0 {
		return &ResultError{Op: "read", Code: ResultCPUReturnedNoData}
	}
	if resp.udlen < len(out) {
		return &ResultError{Op: "read", Code: ResultShortPacket}
	}
	copy(out, resp.userData())
	return nil
}

// writeBytes writes data starting at start.
func (s *session) writeBytes(ctx context.Context, area Area, number, start int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, mem := newRequestPDU()
	req.initWriteRequest()
	if err := req.addVarToWriteRequest(area, number, start, data); err != nil {
		return err
	}
	resp, err := s.exchange(ctx, mem, req)
	if err != nil {
		return err
	}
	return resp.testWriteResult()
}

// exchange runs one round trip and parses the response PDU. Must be called
// with s.mu held.
func (s *session) exchange(ctx context.Context, mem []byte, req *pdu) (*pdu, error) {
	raw, err := s.x.exchange(ctx, mem, req)
	if err != nil {
		return nil, err
	}
	resp, err := parsePDU(raw)
	if err != nil {
		return nil, err
	}
	if resp.ref() != req.ref() {
		logging.DebugLog("s7", "response reference %d does not match request %d", resp.ref(), req.ref())
	}
	return resp, nil
}

// pduLength returns the negotiated PDU length, or 0 before negotiation.
func (s *session) pduLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxPDU
}
