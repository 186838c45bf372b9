package s7

import "fmt"

// S7 protocol constants
const (
	s7ProtocolID = 0x32

	// PDU kinds (ROSCTR)
	pduJob      = 0x01
	pduAck      = 0x02
	pduAckData  = 0x03
	pduUserData = 0x07

	// Function codes
	funcReadVar   = 0x04
	funcWriteVar  = 0x05
	funcSetupComm = 0xF0

	// Data item return codes
	returnCodeSuccess = 0xFF

	// Transport sizes in S7ANY items and data items
	tsByte      = 0x02
	tsWord      = 0x04 // in data items: length is in bits
	tsOctetStr  = 0x09 // length is in bytes
	tsCharBytes = 0x03 // length is in bytes

	// S7ANY item header: variable specification, length of remainder, syntax id
	itemSpec     = 0x12
	itemLen      = 0x0A
	itemSyntaxID = 0x10

	maxItemAddress = 0xFFFFFF
)

// negotiateParams requests a PDU length of 960 bytes (0x03C0).
var negotiateParams = [8]byte{funcSetupComm, 0x00, 0x00, 0x01, 0x00, 0x01, 0x03, 0xC0}

// pdu is a view over one S7 PDU: header, parameter block and data block.
// buf holds the PDU itself; offsets into it are relative to its start.
type pdu struct {
	buf   []byte
	hlen  int
	plen  int
	dlen  int
	udata int // user data offset, valid after testReadResult
	udlen int
}

// newRequestPDU allocates a message buffer and returns the PDU view over it
// together with the full buffer, which the transport frames in place.
func newRequestPDU() (*pdu, []byte) {
	mem := make([]byte, maxRawLen)
	return &pdu{buf: mem[pduStart:]}, mem
}

func (p *pdu) param() []byte { return p.buf[p.hlen : p.hlen+p.plen] }
func (p *pdu) data() []byte  { return p.buf[p.hlen+p.plen : p.hlen+p.plen+p.dlen] }

// size is the number of PDU bytes in use.
func (p *pdu) size() int { return p.hlen + p.plen + p.dlen }

// bytes returns the encoded PDU.
func (p *pdu) bytes() []byte { return p.buf[:p.size()] }

func headerLen(kind byte) int {
	if kind == pduAck || kind == pduAckData {
		return 12
	}
	return 10
}

// initHeader resets the PDU and writes an empty header of the given kind.
func (p *pdu) initHeader(kind byte) {
	p.hlen = headerLen(kind)
	p.plen, p.dlen = 0, 0
	p.udata, p.udlen = 0, 0
	clear(p.buf[:p.hlen])
	p.buf[0] = s7ProtocolID
	p.buf[1] = kind
}

// setRef stores the PDU reference used to match a response.
func (p *pdu) setRef(ref uint16) {
	putBE16(p.buf[4:6], int(ref))
}

func (p *pdu) ref() uint16 {
	return uint16(be16(p.buf[4:6]))
}

// addParam appends parameter bytes. It must be called before any data is added.
func (p *pdu) addParam(b []byte) error {
	if p.dlen != 0 {
		return fmt.Errorf("s7: parameters added after data")
	}
	if p.size()+len(b) > len(p.buf) {
		return argError("parameter block exceeds buffer (%d bytes)", p.size()+len(b))
	}
	copy(p.buf[p.hlen+p.plen:], b)
	p.plen += len(b)
	putBE16(p.buf[6:8], p.plen)
	return nil
}

// addData appends data bytes.
func (p *pdu) addData(b []byte) error {
	if p.size()+len(b) > len(p.buf) {
		return argError("data block exceeds buffer (%d bytes)", p.size()+len(b))
	}
	copy(p.buf[p.size():], b)
	p.dlen += len(b)
	putBE16(p.buf[8:10], p.dlen)
	return nil
}

// initJob starts a job PDU with a fixed parameter prefix. The prefix always
// fits a fresh request buffer, so a failure is a programming error.
func (p *pdu) initJob(param []byte) {
	p.initHeader(pduJob)
	if err := p.addParam(param); err != nil {
		panic(err)
	}
}

// initNegotiate builds a setup communication job.
func (p *pdu) initNegotiate() {
	p.initJob(negotiateParams[:])
}

// initReadRequest starts a read variable job with no items.
func (p *pdu) initReadRequest() {
	p.initJob([]byte{funcReadVar, 0x00})
}

// initWriteRequest starts a write variable job with no items.
func (p *pdu) initWriteRequest() {
	p.initJob([]byte{funcWriteVar, 0x00})
}

// anyItem encodes an S7ANY address item for a byte range.
func anyItem(area Area, number, start, length int) ([12]byte, error) {
	var it [12]byte
	ts := byte(tsByte)
	count := length
	addr := start * 8
	switch {
	case area.isTimerCounter():
		ts = byte(area)
		count = (length + 1) / 2
		addr = start
	case area == AreaAnaIn || area == AreaAnaOut:
		ts = tsWord
		count = (length + 1) / 2
	}
	if count > 0xFFFF {
		return it, argError("item length %d exceeds 65535", count)
	}
	if number < 0 || number > 0xFFFF {
		return it, argError("area number %d exceeds 65535", number)
	}
	if start < 0 || addr > maxItemAddress {
		return it, argError("address %d exceeds 24-bit range", start)
	}
	it[0], it[1], it[2], it[3] = itemSpec, itemLen, itemSyntaxID, ts
	putBE16(it[4:6], count)
	putBE16(it[6:8], number)
	it[8] = byte(area)
	it[9] = byte(addr >> 16)
	it[10] = byte(addr >> 8)
	it[11] = byte(addr)
	return it, nil
}

// addVarToReadRequest appends one item to a read job.
func (p *pdu) addVarToReadRequest(area Area, number, start, length int) error {
	it, err := anyItem(area, number, start, length)
	if err != nil {
		return err
	}
	if err := p.addParam(it[:]); err != nil {
		return err
	}
	p.buf[p.hlen+1]++
	return nil
}

// addVarToWriteRequest appends one item and its data to a write job. The
// payload is copied.
func (p *pdu) addVarToWriteRequest(area Area, number, start int, payload []byte) error {
	it, err := anyItem(area, number, start, len(payload))
	if err != nil {
		return err
	}
	ts := byte(tsWord)
	bits := len(payload) * 8
	if area.isTimerCounter() {
		ts = tsOctetStr
		bits = len(payload)
	}
	if bits > 0xFFFF {
		return argError("write length %d exceeds item limit", len(payload))
	}
	if err := p.addParam(it[:]); err != nil {
		return err
	}
	p.buf[p.hlen+1]++
	hdr := [4]byte{0x00, ts}
	putBE16(hdr[2:4], bits)
	if err := p.addData(hdr[:]); err != nil {
		return err
	}
	return p.addData(payload)
}

// parsePDU sets up a PDU view over a received PDU. Ack and ack-data PDUs
// carrying a non-zero error class or code are returned as *S7Error together
// with the parsed PDU.
func parsePDU(b []byte) (*pdu, error) {
	if len(b) < 10 {
		return nil, malformed("PDU too short: %d bytes", len(b))
	}
	if b[0] != s7ProtocolID {
		return nil, malformed("invalid protocol ID 0x%02X", b[0])
	}
	kind := b[1]
	switch kind {
	case pduJob, pduAck, pduAckData, pduUserData:
	default:
		return nil, malformed("unknown PDU kind 0x%02X", kind)
	}
	p := &pdu{buf: b, hlen: headerLen(kind)}
	if len(b) < p.hlen {
		return nil, malformed("PDU header truncated: %d bytes", len(b))
	}
	p.plen = be16(b[6:8])
	p.dlen = be16(b[8:10])
	if p.size() > len(b) {
		return nil, malformed("declared sections (%d+%d) exceed PDU size %d", p.plen, p.dlen, len(b)-p.hlen)
	}
	if p.hlen == 12 && (b[10] != 0 || b[11] != 0) {
		return p, &S7Error{Class: b[10], Code: b[11]}
	}
	return p, nil
}

// negotiatedLength extracts the PDU length from a setup communication response.
func (p *pdu) negotiatedLength() (int, error) {
	par := p.param()
	if len(par) < 8 {
		return 0, malformed("setup response parameters too short: %d bytes", len(par))
	}
	if par[0] != funcSetupComm {
		return 0, &ResultError{Op: "negotiate", Code: ResultUnexpectedFunc}
	}
	return be16(par[6:8]), nil
}

// testReadResult checks the first data item of a read response and locates
// its user data.
func (p *pdu) testReadResult() error {
	par := p.param()
	if len(par) < 1 {
		return malformed("read response has no parameters")
	}
	if par[0] != funcReadVar {
		return &ResultError{Op: "read", Code: ResultUnexpectedFunc}
	}
	d := p.data()
	if len(d) < 1 {
		return &ResultError{Op: "read", Code: ResultShortPacket}
	}
	if d[0] != returnCodeSuccess {
		return &ResultError{Op: "read", Code: int(d[0])}
	}
	if len(d) <= 4 {
		p.udata, p.udlen = 0, 0
		return nil
	}
	n := be16(d[2:4])
	switch d[1] {
	case tsWord:
		n >>= 3
	case tsOctetStr, tsCharBytes:
	default:
		return &ResultError{Op: "read", Code: ResultUnknownDataUnitSize}
	}
	if n > len(d)-4 {
		return malformed("user data length %d exceeds data block (%d)", n, len(d)-4)
	}
	p.udata = p.hlen + p.plen + 4
	p.udlen = n
	return nil
}

// userData returns the payload located by testReadResult.
func (p *pdu) userData() []byte {
	return p.buf[p.udata : p.udata+p.udlen]
}

// testWriteResult checks a write response.
func (p *pdu) testWriteResult() error {
	par := p.param()
	if len(par) < 1 {
		return malformed("write response has no parameters")
	}
	if par[0] != funcWriteVar {
		return &ResultError{Op: "write", Code: ResultUnexpectedFunc}
	}
	d := p.data()
	if len(d) < 1 {
		return malformed("write response has no data")
	}
	if d[0] != returnCodeSuccess {
		code := int(d[0])
		if code == ResultOK {
			code = ResultWriteRejected
		}
		return &ResultError{Op: "write", Code: code}
	}
	return nil
}
