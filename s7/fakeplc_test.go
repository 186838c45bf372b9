package s7

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakePLC is an in-process S7 server backed by an echo memory. It answers
// the COTP handshake, PDU negotiation, and single-item reads and writes.
type fakePLC struct {
	t  *testing.T
	ln net.Listener

	frames   atomic.Int32
	accepted atomic.Int32

	mu          sync.Mutex
	mem         map[memKey][]byte
	crs         [][]byte
	requests    []fakeRequest
	conns       []net.Conn
	pduLen      int
	writeStatus byte
	readStatus  byte
	emptyRead   bool
	block       chan struct{}                  // reads wait on it when set
	seen        chan struct{}                  // signalled when a blocked read arrives
	respond     func(job []byte) ([]byte, bool) // raw frame override

	wg sync.WaitGroup
}

type memKey struct {
	area Area
	db   int
}

type fakeRequest struct {
	fn     byte
	area   Area
	db     int
	offset int // byte offset in fake memory
	length int // bytes
}

func newFakePLC(t *testing.T) *fakePLC {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	f := &fakePLC{
		t:           t,
		ln:          ln,
		mem:         make(map[memKey][]byte),
		pduLen:      240,
		writeStatus: returnCodeSuccess,
		readStatus:  returnCodeSuccess,
	}
	f.wg.Add(1)
	go f.acceptLoop()
	t.Cleanup(f.close)
	return f
}

func (f *fakePLC) addr() string {
	return f.ln.Addr().String()
}

func (f *fakePLC) close() {
	f.ln.Close()
	f.mu.Lock()
	for _, c := range f.conns {
		c.Close()
	}
	f.mu.Unlock()
	f.wg.Wait()
}

// dial connects a Conn to the fake with a short timeout.
func (f *fakePLC) dial(t *testing.T, opts ...Option) *Conn {
	t.Helper()
	opts = append([]Option{WithTimeout(2 * time.Second)}, opts...)
	c, err := Dial(context.Background(), f.addr(), opts...)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func (f *fakePLC) set(fn func(f *fakePLC)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakePLC) poke(area Area, db, offset int, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeLocked(area, db, offset, data)
}

func (f *fakePLC) peek(area Area, db, offset, length int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked(area, db, offset, length)
}

func (f *fakePLC) requestLog() []fakeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeRequest(nil), f.requests...)
}

func (f *fakePLC) connectionRequests() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.crs...)
}

func (f *fakePLC) storeLocked(area Area, db, offset int, data []byte) {
	k := memKey{area, db}
	m := f.mem[k]
	if need := offset + len(data); need > len(m) {
		m = append(m, make([]byte, need-len(m))...)
	}
	copy(m[offset:], data)
	f.mem[k] = m
}

func (f *fakePLC) loadLocked(area Area, db, offset, length int) []byte {
	out := make([]byte, length)
	m := f.mem[memKey{area, db}]
	if offset < len(m) {
		copy(out, m[offset:])
	}
	return out
}

func (f *fakePLC) acceptLoop() {
	defer f.wg.Done()
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.accepted.Add(1)
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		f.wg.Add(1)
		go f.serve(conn)
	}
}

func (f *fakePLC) serve(conn net.Conn) {
	defer f.wg.Done()
	defer conn.Close()

	buf := make([]byte, maxRawLen)
	for {
		n, err := readFrame(conn, buf)
		if err != nil {
			return
		}
		f.frames.Add(1)
		msg := buf[:n]
		if n < tpktHeaderSize+2 {
			return
		}

		if msg[tpktHeaderSize+1] == cotpCR {
			f.mu.Lock()
			f.crs = append(f.crs, append([]byte(nil), msg[tpktHeaderSize:]...))
			f.mu.Unlock()
			cc := append([]byte(nil), msg[tpktHeaderSize:]...)
			cc[1] = cotpCC
			if !f.send(conn, cc) {
				return
			}
			continue
		}

		if n < pduStart || msg[tpktHeaderSize+1] != cotpDT {
			return
		}
		job := append([]byte(nil), msg[pduStart:]...)

		f.mu.Lock()
		override := f.respond
		f.mu.Unlock()
		if override != nil {
			if raw, ok := override(job); ok {
				if _, err := conn.Write(raw); err != nil {
					return
				}
				continue
			}
		}

		resp := f.handle(job)
		if resp == nil {
			return
		}
		if !f.send(conn, append(cotpDTHeader[:], resp...)) {
			return
		}
	}
}

func (f *fakePLC) send(conn net.Conn, payload []byte) bool {
	buf := make([]byte, tpktHeaderSize+len(payload))
	copy(buf[tpktHeaderSize:], payload)
	out, err := frame(buf, len(payload))
	if err != nil {
		f.t.Errorf("fake: frame() error = %v", err)
		return false
	}
	_, err = conn.Write(out)
	return err == nil
}

// handle answers one job PDU.
func (f *fakePLC) handle(job []byte) []byte {
	if len(job) < 10 || job[0] != s7ProtocolID {
		return nil
	}
	plen := be16(job[6:8])
	dlen := be16(job[8:10])
	if len(job) < 10+plen+dlen || plen < 1 {
		return nil
	}
	par := job[10 : 10+plen]
	data := job[10+plen : 10+plen+dlen]
	ref := job[4:6]

	switch par[0] {
	case funcSetupComm:
		f.mu.Lock()
		rp := []byte{funcSetupComm, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00}
		putBE16(rp[6:8], f.pduLen)
		f.mu.Unlock()
		return ackData(ref, rp, nil)
	case funcReadVar:
		return f.handleRead(ref, par)
	case funcWriteVar:
		return f.handleWrite(ref, par, data)
	}
	return nil
}

func decodeItem(it []byte) (fakeRequest, bool) {
	if len(it) < 12 || it[0] != itemSpec {
		return fakeRequest{}, false
	}
	count := be16(it[4:6])
	r := fakeRequest{
		area: Area(it[8]),
		db:   be16(it[6:8]),
	}
	addr := int(it[9])<<16 | int(it[10])<<8 | int(it[11])
	switch {
	case r.area.isTimerCounter():
		r.offset = addr * 2
		r.length = count * 2
	case r.area == AreaAnaIn || r.area == AreaAnaOut:
		r.offset = addr / 8
		r.length = count * 2
	default:
		r.offset = addr / 8
		r.length = count
	}
	return r, true
}

func (f *fakePLC) handleRead(ref, par []byte) []byte {
	if len(par) < 14 {
		return nil
	}
	r, ok := decodeItem(par[2:14])
	if !ok {
		return nil
	}
	r.fn = funcReadVar

	f.mu.Lock()
	f.requests = append(f.requests, r)
	block, seen := f.block, f.seen
	f.mu.Unlock()
	if block != nil {
		if seen != nil {
			select {
			case seen <- struct{}{}:
			default:
			}
		}
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	rp := []byte{funcReadVar, 0x01}
	switch {
	case f.readStatus != returnCodeSuccess:
		return ackData(ref, rp, []byte{f.readStatus, 0x00, 0x00, 0x00})
	case f.emptyRead:
		return ackData(ref, rp, []byte{returnCodeSuccess, tsWord, 0x00, 0x00})
	}
	payload := f.loadLocked(r.area, r.db, r.offset, r.length)
	d := []byte{returnCodeSuccess, tsWord, 0, 0}
	if r.area.isTimerCounter() {
		d[1] = tsOctetStr
		putBE16(d[2:4], len(payload))
	} else {
		putBE16(d[2:4], len(payload)*8)
	}
	return ackData(ref, rp, append(d, payload...))
}

func (f *fakePLC) handleWrite(ref, par, data []byte) []byte {
	if len(par) < 14 || len(data) < 4 {
		return nil
	}
	r, ok := decodeItem(par[2:14])
	if !ok {
		return nil
	}
	r.fn = funcWriteVar
	n := be16(data[2:4])
	if data[1] == tsWord {
		n /= 8
	}
	if len(data) < 4+n {
		return nil
	}
	r.length = n

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
	if f.writeStatus == returnCodeSuccess {
		f.storeLocked(r.area, r.db, r.offset, data[4:4+n])
	}
	return ackData(ref, []byte{funcWriteVar, 0x01}, []byte{f.writeStatus})
}

// ackData builds an ack-data PDU with no header error.
func ackData(ref, par, data []byte) []byte {
	h := make([]byte, 12, 12+len(par)+len(data))
	h[0] = s7ProtocolID
	h[1] = pduAckData
	copy(h[4:6], ref)
	putBE16(h[6:8], len(par))
	putBE16(h[8:10], len(data))
	h = append(h, par...)
	return append(h, data...)
}
