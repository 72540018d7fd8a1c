// Package websocket implements RFC 6455 framing atop an already-upgraded
// connection: fragmentation, masking, control-frame interleaving, and
// serialized writers. Grounded on pepnova/go-websocket-server's
// parseFrames/buildFrame pair (7/16/64-bit length encoding, masking-key
// handling, leftover-bytes-for-next-read pattern) in the retrieval pack,
// generalized into a persistent duplex Session instead of a single-shot
// echo loop, with the bytebufferpool scratch buffers the rest of this
// module uses for other wire-format scratch space.
package websocket

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/valyala/bytebufferpool"

	"github.com/sockwire/httpkit/pkg/constants"
	"github.com/sockwire/httpkit/pkg/errors"
	"github.com/sockwire/httpkit/pkg/rlog"
)

// Opcode identifies a frame's payload interpretation.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (o Opcode) isControl() bool { return o >= OpClose }

// Role determines masking behavior: clients mask outgoing frames and
// reject masked incoming ones; servers never mask outgoing frames and
// reject unmasked incoming ones.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// UnknownSize tells NewWriter the message length isn't known up front, so
// the writer should stream fragments capped at constants.DefaultWriteFragmentSize
// instead of buffering for one exact-length frame.
const UnknownSize = -1

// AcceptKey computes the Sec-WebSocket-Accept value for a client's
// Sec-WebSocket-Key, per RFC 6455 §1.3: base64(sha1(key + GUID)).
func AcceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey))
	h.Write([]byte(constants.WebSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// GenerateNonce returns a fresh client-side Sec-WebSocket-Key: 16 random
// bytes, base64 encoded.
func GenerateNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.NewIOError("generating websocket nonce", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// frame is the wire representation of one WebSocket frame.
type frame struct {
	fin     bool
	opcode  Opcode
	payload []byte
}

// writeFrame serializes and writes one frame to w. When mask is true, the
// client-side all-zero masking key is used: the mask bit and four zero key
// bytes are emitted (satisfying peers that assume every client frame is
// masked) but the XOR against an all-zero key is a no-op, so the payload
// is written unmodified.
func writeFrame(w io.Writer, fin bool, opcode Opcode, payload []byte, mask bool) error {
	scratch := bytebufferpool.Get()
	defer bytebufferpool.Put(scratch)

	var first byte
	if fin {
		first = 0x80
	}
	first |= byte(opcode) & 0x0F
	scratch.B = append(scratch.B, first)

	var maskBit byte
	if mask {
		maskBit = 0x80
	}

	n := len(payload)
	switch {
	case n < 126:
		scratch.B = append(scratch.B, maskBit|byte(n))
	case n <= 0xFFFF:
		scratch.B = append(scratch.B, maskBit|126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n))
		scratch.B = append(scratch.B, ext[:]...)
	default:
		scratch.B = append(scratch.B, maskBit|127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		scratch.B = append(scratch.B, ext[:]...)
	}

	if mask {
		scratch.B = append(scratch.B, 0, 0, 0, 0)
	}
	scratch.B = append(scratch.B, payload...)

	if _, err := w.Write(scratch.B); err != nil {
		return errors.NewIOError("writing websocket frame", err)
	}
	return nil
}

// readFrame reads one frame from br, unmasking it (with whatever masking
// key the peer actually used, which need not be zero) when the mask bit is
// set. expectMasked enforces the RFC's masking-direction rule.
func readFrame(br *bufio.Reader, expectMasked bool) (*frame, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(br, head); err != nil {
		return nil, errors.NewProtocolError(errors.CodeUnexpectedEndOfStream, "reading frame header", err)
	}

	fin := head[0]&0x80 != 0
	if head[0]&0x70 != 0 {
		return nil, errors.NewProtocolError(errors.CodeProtocolError, "reserved bits set in frame header")
	}
	opcode := Opcode(head[0] & 0x0F)

	masked := head[1]&0x80 != 0
	if masked != expectMasked {
		return nil, errors.NewProtocolError(errors.CodeProtocolError, "frame masking does not match peer role")
	}

	length := int64(head[1] & 0x7F)
	switch length {
	case 126:
		ext := make([]byte, 2)
		if _, err := io.ReadFull(br, ext); err != nil {
			return nil, errors.NewProtocolError(errors.CodeUnexpectedEndOfStream, "reading extended length", err)
		}
		length = int64(binary.BigEndian.Uint16(ext))
	case 127:
		ext := make([]byte, 8)
		if _, err := io.ReadFull(br, ext); err != nil {
			return nil, errors.NewProtocolError(errors.CodeUnexpectedEndOfStream, "reading extended length", err)
		}
		length = int64(binary.BigEndian.Uint64(ext))
	}

	if opcode.isControl() {
		if !fin {
			return nil, errors.NewProtocolError(errors.CodeProtocolError, "control frame must not be fragmented")
		}
		if length > constants.MaxControlFramePayload {
			return nil, errors.NewProtocolError(errors.CodeProtocolError, "control frame payload too large")
		}
	}

	var maskKey [4]byte
	if masked {
		if _, err := io.ReadFull(br, maskKey[:]); err != nil {
			return nil, errors.NewProtocolError(errors.CodeUnexpectedEndOfStream, "reading mask key", err)
		}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, errors.NewProtocolError(errors.CodeUnexpectedEndOfStream, "reading frame payload", err)
	}
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}

	return &frame{fin: fin, opcode: opcode, payload: payload}, nil
}

// decodeCloseStatus extracts the 2-byte big-endian status code from a close
// frame's payload. A payload shorter than 2 bytes carries no code at all,
// which is treated the same as the normal-closure code. Status 1000 (normal)
// and 1001 (going away) are clean ends; anything else is reported to the
// caller as an error carrying the code.
func decodeCloseStatus(payload []byte) (code int, clean bool) {
	if len(payload) < 2 {
		return 1000, true
	}
	code = int(binary.BigEndian.Uint16(payload[:2]))
	return code, code == 1000 || code == 1001
}

// Session is a full-duplex WebSocket connection established after a
// successful HTTP upgrade. Writes are serialized internally; at most one
// message reader may be outstanding at a time.
type Session struct {
	conn net.Conn
	br   *bufio.Reader
	role Role
	log  *rlog.Logger

	writeMu sync.Mutex
	readMu  sync.Mutex

	closeSent atomicBool
	closeRecv atomicBool

	readerMu   sync.Mutex
	readerOpen bool

	pendingMu    sync.Mutex
	pendingPings [][]byte
}

// atomicBool avoids importing sync/atomic's typed wrapper just for two
// booleans; each one carries its own mutex.
type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) set(v bool) { a.mu.Lock(); a.v = v; a.mu.Unlock() }
func (a *atomicBool) get() bool  { a.mu.Lock(); defer a.mu.Unlock(); return a.v }

// New wraps conn (already upgraded) as a WebSocket Session. br is the
// buffered reader carried over from the HTTP connection, so any bytes
// read speculatively past the 101 response headers aren't lost.
func New(conn net.Conn, role Role, br *bufio.Reader, log *rlog.Logger) *Session {
	if br == nil {
		br = bufio.NewReader(conn)
	}
	if log == nil {
		log = rlog.Nop()
	}
	return &Session{conn: conn, br: br, role: role, log: log}
}

func (s *Session) masksOutgoing() bool         { return s.role == RoleClient }
func (s *Session) expectsMaskedIncoming() bool { return s.role == RoleServer }

// Send writes a complete, unfragmented message.
func (s *Session) Send(opcode Opcode, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeFrame(s.conn, true, opcode, payload, s.masksOutgoing())
}

// Ping sends a ping control frame. If a MessageWriter is currently open,
// the ping is queued and flushed between that writer's outgoing fragments
// instead of blocking until the writer closes.
func (s *Session) Ping(payload []byte) error {
	if s.writeMu.TryLock() {
		defer s.writeMu.Unlock()
		return writeFrame(s.conn, true, OpPing, payload, s.masksOutgoing())
	}
	cp := append([]byte(nil), payload...)
	s.pendingMu.Lock()
	s.pendingPings = append(s.pendingPings, cp)
	s.pendingMu.Unlock()
	return nil
}

// pong sends a pong control frame, used internally to transparently answer
// pings observed during a read.
func (s *Session) pong(payload []byte) error {
	return s.Send(OpPong, payload)
}

// drainPendingPings flushes any pings queued by Ping while a MessageWriter
// held the write lock. Called by the writer itself between fragments, so
// it writes directly rather than through Send (which would deadlock trying
// to retake writeMu).
func (s *Session) drainPendingPings() error {
	s.pendingMu.Lock()
	pings := s.pendingPings
	s.pendingPings = nil
	s.pendingMu.Unlock()

	for _, payload := range pings {
		if err := writeFrame(s.conn, true, OpPing, payload, s.masksOutgoing()); err != nil {
			return err
		}
	}
	return nil
}

// MessageWriter streams one message as a sequence of frames. Obtained from
// NewWriter; holds the Session's write lock for its lifetime, so exactly
// one MessageWriter may be open at a time.
//
// With a known size, Write buffers and Close emits a single exact-length
// FIN frame, enforcing TOO_MUCH_WRITTEN/TOO_LITTLE_WRITTEN against the
// declared size. With UnknownSize, Write streams fragments capped at
// constants.DefaultWriteFragmentSize and Close emits the zero-length FIN
// terminator.
type MessageWriter struct {
	s      *Session
	opcode Opcode
	size   int // UnknownSize, or an exact declared length

	buf     []byte // buffered payload when size is known
	written int
	started bool
	closed  bool
}

// NewWriter begins a message of the given opcode (OpText or OpBinary).
// size is either a known exact payload length or UnknownSize to stream an
// unbounded message in <=125-byte fragments.
func (s *Session) NewWriter(opcode Opcode, size int) *MessageWriter {
	s.writeMu.Lock()
	return &MessageWriter{s: s, opcode: opcode, size: size}
}

func (mw *MessageWriter) Write(p []byte) (int, error) {
	if mw.closed {
		return 0, errors.NewPolicyError(errors.CodeAlreadyClosed, "write to a closed websocket message writer")
	}

	if mw.size >= 0 {
		if mw.written+len(p) > mw.size {
			return 0, errors.NewPolicyError(errors.CodeTooMuchWritten, fmt.Sprintf("wrote more than the declared message size of %d bytes", mw.size))
		}
		mw.buf = append(mw.buf, p...)
		mw.written += len(p)
		return len(p), nil
	}

	total := len(p)
	for len(p) > 0 {
		n := len(p)
		if n > constants.DefaultWriteFragmentSize {
			n = constants.DefaultWriteFragmentSize
		}
		opcode := mw.opcode
		if mw.started {
			opcode = OpContinuation
		}
		if err := writeFrame(mw.s.conn, false, opcode, p[:n], mw.s.masksOutgoing()); err != nil {
			return total - len(p), err
		}
		mw.started = true
		if err := mw.s.drainPendingPings(); err != nil {
			return total - len(p) + n, err
		}
		p = p[n:]
	}
	return total, nil
}

// Close emits the final fragment and releases the Session's write lock.
func (mw *MessageWriter) Close() error {
	if mw.closed {
		return nil
	}
	mw.closed = true
	defer mw.s.writeMu.Unlock()

	if mw.size >= 0 {
		if mw.written != mw.size {
			return errors.NewPolicyError(errors.CodeTooLittleWritten, fmt.Sprintf("closed after writing %d of %d declared bytes", mw.written, mw.size))
		}
		if err := mw.s.drainPendingPings(); err != nil {
			return err
		}
		return writeFrame(mw.s.conn, true, mw.opcode, mw.buf, mw.s.masksOutgoing())
	}

	if err := mw.s.drainPendingPings(); err != nil {
		return err
	}
	opcode := mw.opcode
	if mw.started {
		opcode = OpContinuation
	}
	return writeFrame(mw.s.conn, true, opcode, nil, mw.s.masksOutgoing())
}

// MessageReader reads one message's payload across its fragments,
// transparently answering pings and surfacing close frames as io.EOF (clean
// close) or an error (abnormal close). Obtained from StartReceiving.
type MessageReader struct {
	s       *Session
	opcode  Opcode
	pending []byte
	fin     bool
	closed  bool
}

// Opcode reports the message's type (OpText, OpBinary, or OpPong for an
// unsolicited pong surfaced as its own message).
func (mr *MessageReader) Opcode() Opcode { return mr.opcode }

func (mr *MessageReader) finish() {
	mr.closed = true
	mr.s.readerMu.Lock()
	mr.s.readerOpen = false
	mr.s.readerMu.Unlock()
}

func (mr *MessageReader) Read(p []byte) (int, error) {
	if mr.closed {
		return 0, io.EOF
	}
	for len(mr.pending) == 0 {
		if mr.fin {
			mr.finish()
			return 0, io.EOF
		}
		f, err := readFrame(mr.s.br, mr.s.expectsMaskedIncoming())
		if err != nil {
			mr.finish()
			return 0, err
		}
		switch f.opcode {
		case OpPing:
			if err := mr.s.pong(f.payload); err != nil {
				mr.finish()
				return 0, err
			}
		case OpPong:
			// An unsolicited pong mid-message is swallowed rather than
			// ending the in-progress message early.
		case OpContinuation:
			mr.pending = f.payload
			mr.fin = f.fin
		case OpClose:
			mr.s.closeRecv.set(true)
			code, clean := decodeCloseStatus(f.payload)
			if clean {
				mr.finish()
				return 0, io.EOF
			}
			err := errors.NewProtocolError(errors.CodeProtocolError, fmt.Sprintf("peer closed with status %d", code))
			mr.finish()
			return 0, err
		default:
			err := errors.NewProtocolError(errors.CodeProtocolError, "new message started before previous fragmented message finished")
			mr.finish()
			return 0, err
		}
	}

	n := copy(p, mr.pending)
	mr.pending = mr.pending[n:]
	return n, nil
}

// StartReceiving waits for the next message and returns an incremental
// reader for it. Pings observed before the message starts are answered
// automatically; a pong is surfaced as a complete zero-fragment message of
// its own rather than silently discarded, so liveness checks can observe
// it. A clean close (status 1000 or 1001, or no status at all) is reported
// as (nil, nil); any other close status is an error.
//
// Calling StartReceiving while a previous reader hasn't been read to
// completion is a protocol-usage error: it returns CodePreviousReaderPending
// and closes the session with status 1011, since the two reads would race
// over the same underlying byte stream.
func (s *Session) StartReceiving() (*MessageReader, error) {
	s.readerMu.Lock()
	if s.readerOpen {
		s.readerMu.Unlock()
		s.abortWithStatus(1011, "previous reader not finished")
		return nil, errors.NewPolicyError(errors.CodePreviousReaderPending, "previous websocket message reader not finished")
	}
	s.readerOpen = true
	s.readerMu.Unlock()

	for {
		f, err := readFrame(s.br, s.expectsMaskedIncoming())
		if err != nil {
			s.readerMu.Lock()
			s.readerOpen = false
			s.readerMu.Unlock()
			return nil, err
		}

		switch f.opcode {
		case OpPing:
			if err := s.pong(f.payload); err != nil {
				s.readerMu.Lock()
				s.readerOpen = false
				s.readerMu.Unlock()
				return nil, err
			}
			continue
		case OpPong:
			return &MessageReader{s: s, opcode: OpPong, pending: f.payload, fin: true}, nil
		case OpClose:
			s.closeRecv.set(true)
			code, clean := decodeCloseStatus(f.payload)
			s.readerMu.Lock()
			s.readerOpen = false
			s.readerMu.Unlock()
			if clean {
				return nil, nil
			}
			return nil, errors.NewProtocolError(errors.CodeProtocolError, fmt.Sprintf("peer closed with status %d", code))
		case OpContinuation:
			s.readerMu.Lock()
			s.readerOpen = false
			s.readerMu.Unlock()
			return nil, errors.NewProtocolError(errors.CodeProtocolError, "continuation frame without preceding initial frame")
		case OpText, OpBinary:
			return &MessageReader{s: s, opcode: f.opcode, pending: f.payload, fin: f.fin}, nil
		default:
			s.readerMu.Lock()
			s.readerOpen = false
			s.readerMu.Unlock()
			return nil, errors.NewProtocolError(errors.CodeProtocolError, "unknown opcode: "+strconv.Itoa(int(f.opcode)))
		}
	}
}

// Receive reads one complete message at once: a convenience wrapper around
// StartReceiving for callers that don't need incremental delivery. Returns
// (0, nil, nil) on a clean close.
func (s *Session) Receive() (Opcode, []byte, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	mr, err := s.StartReceiving()
	if err != nil {
		return 0, nil, err
	}
	if mr == nil {
		return 0, nil, nil
	}
	data, err := io.ReadAll(mr)
	if err != nil {
		return 0, nil, err
	}
	return mr.Opcode(), data, nil
}

// abortWithStatus makes a best-effort attempt to send a close frame with
// the given status and tear down the connection, for protocol violations
// where continuing to read or write would be unsafe.
func (s *Session) abortWithStatus(code int, reason string) {
	if s.closeSent.get() {
		return
	}
	s.closeSent.set(true)
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	writeFrame(s.conn, true, OpClose, payload, s.masksOutgoing())
	s.conn.Close()
}

// Close performs the closing handshake: sends a close frame with code and
// reason (if not already sent) and marks the session closed. It does not
// wait for the peer's close frame — callers that need a clean handshake
// should keep calling Receive until it returns a clean close.
func (s *Session) Close(code int, reason string) error {
	if s.closeSent.get() {
		return nil
	}
	s.closeSent.set(true)

	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)

	if err := s.Send(OpClose, payload); err != nil {
		return err
	}
	return nil
}

// CloseConn closes the underlying network connection without performing
// the closing handshake, for abrupt teardown.
func (s *Session) CloseConn() error {
	return s.conn.Close()
}
