// Package body implements the four request/response body framings the
// Connection state machine selects between: fixed Content-Length, chunked
// Transfer-Encoding, close-delimited ("unknown"), and empty. Grounded on
// the teacher's readChunkedBody/readFixedBody/readUntilClose methods in
// pkg/client/client.go, generalized into standalone io.Reader/io.Writer
// types so pkg/connection can hand one back to callers instead of reading
// the whole body eagerly into a []byte.
package body

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"

	"github.com/sockwire/httpkit/pkg/errors"
)

// DoneFunc is invoked exactly once when a body reader/writer finishes —
// successfully or with err set — so the owning Connection can transition
// out of its Reading/Writing state (reading_done / writing_done in §4.4).
type DoneFunc func(err error)

func callDone(done DoneFunc, called *bool, err error) {
	if *called {
		return
	}
	*called = true
	if done != nil {
		done(err)
	}
}

// ---- Readers ----------------------------------------------------------

// ContentLengthReader reads exactly Length bytes and then reports EOF.
type ContentLengthReader struct {
	r         *bufio.Reader
	remaining int64
	done      DoneFunc
	finished  bool
}

func NewContentLengthReader(r *bufio.Reader, length int64, done DoneFunc) *ContentLengthReader {
	return &ContentLengthReader{r: r, remaining: length, done: done}
}

func (c *ContentLengthReader) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		callDone(c.done, &c.finished, nil)
		return 0, io.EOF
	}
	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if err != nil && err != io.EOF {
		callDone(c.done, &c.finished, err)
		return n, err
	}
	if c.remaining <= 0 {
		callDone(c.done, &c.finished, nil)
		return n, io.EOF
	}
	return n, nil
}

// Close drains any unread bytes so the underlying connection can be reused
// for the next exchange, per the keep-alive draining requirement.
func (c *ContentLengthReader) Close() error {
	if c.remaining > 0 {
		if _, err := io.Copy(io.Discard, c); err != nil {
			callDone(c.done, &c.finished, err)
			return errors.NewProtocolError(errors.CodeUnexpectedEndOfStream, "draining content-length body")
		}
	}
	callDone(c.done, &c.finished, nil)
	return nil
}

// ChunkedReader decodes an RFC 7230 §4.1 chunked transfer-coding stream,
// ignoring chunk extensions and trailer headers beyond consuming them.
type ChunkedReader struct {
	r         *bufio.Reader
	remaining int64 // bytes left in the current chunk
	done      DoneFunc
	finished  bool
	atEnd     bool
}

func NewChunkedReader(r *bufio.Reader, done DoneFunc) *ChunkedReader {
	return &ChunkedReader{r: r, done: done}
}

func (c *ChunkedReader) nextChunkSize() error {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return errors.NewProtocolError(errors.CodeUnexpectedEndOfStream, "reading chunk size")
	}
	line = strings.TrimRight(line, "\r\n")
	if idx := strings.IndexByte(line, ';'); idx >= 0 {
		line = line[:idx]
	}
	size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
	if err != nil {
		return errors.NewProtocolError(errors.CodeIntegerParsingError, "invalid chunk size: "+line)
	}
	c.remaining = size
	if size == 0 {
		// Trailer headers, if any, followed by the terminating blank line.
		for {
			trailer, err := c.r.ReadString('\n')
			if err != nil {
				return errors.NewProtocolError(errors.CodeUnexpectedEndOfStream, "reading chunk trailer")
			}
			if trailer == "\r\n" || trailer == "\n" {
				break
			}
		}
		c.atEnd = true
	}
	return nil
}

func (c *ChunkedReader) consumeCRLF() error {
	crlf := make([]byte, 2)
	if _, err := io.ReadFull(c.r, crlf); err != nil {
		return errors.NewProtocolError(errors.CodeUnexpectedEndOfStream, "reading chunk terminator")
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return errors.NewProtocolError(errors.CodeFormatError, "malformed chunk terminator")
	}
	return nil
}

func (c *ChunkedReader) Read(p []byte) (int, error) {
	if c.atEnd {
		callDone(c.done, &c.finished, nil)
		return 0, io.EOF
	}
	if c.remaining == 0 {
		if err := c.nextChunkSize(); err != nil {
			callDone(c.done, &c.finished, err)
			return 0, err
		}
		if c.atEnd {
			callDone(c.done, &c.finished, nil)
			return 0, io.EOF
		}
	}
	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if err != nil {
		callDone(c.done, &c.finished, err)
		return n, errors.NewProtocolError(errors.CodeUnexpectedEndOfStream, "reading chunk data")
	}
	if c.remaining == 0 {
		if err := c.consumeCRLF(); err != nil {
			callDone(c.done, &c.finished, err)
			return n, err
		}
	}
	return n, nil
}

func (c *ChunkedReader) Close() error {
	if !c.atEnd {
		if _, err := io.Copy(io.Discard, c); err != nil {
			callDone(c.done, &c.finished, err)
			return err
		}
	}
	callDone(c.done, &c.finished, nil)
	return nil
}

// UnknownReader reads until the underlying connection is closed by the
// peer — the close-delimited framing used only for responses with no
// Content-Length and no chunked Transfer-Encoding.
type UnknownReader struct {
	r        io.Reader
	done     DoneFunc
	finished bool
}

func NewUnknownReader(r io.Reader, done DoneFunc) *UnknownReader {
	return &UnknownReader{r: r, done: done}
}

func (u *UnknownReader) Read(p []byte) (int, error) {
	n, err := u.r.Read(p)
	if err == io.EOF {
		callDone(u.done, &u.finished, nil)
	} else if err != nil {
		callDone(u.done, &u.finished, err)
	}
	return n, err
}

func (u *UnknownReader) Close() error {
	_, err := io.Copy(io.Discard, u)
	if err != nil && err != io.EOF {
		return err
	}
	callDone(u.done, &u.finished, nil)
	return nil
}

// EmptyReader represents a body known in advance to be empty (e.g. a HEAD
// response, or a response with neither Content-Length nor chunked coding
// on a status that forbids a body).
type EmptyReader struct {
	done     DoneFunc
	finished bool
}

func NewEmptyReader(done DoneFunc) *EmptyReader {
	r := &EmptyReader{done: done}
	callDone(r.done, &r.finished, nil)
	return r
}

func (e *EmptyReader) Read([]byte) (int, error) { return 0, io.EOF }
func (e *EmptyReader) Close() error             { return nil }

// ---- Writers -----------------------------------------------------------

// ContentLengthWriter enforces that exactly Length bytes are written before
// Close, failing with CodeTooMuchWritten / CodeTooLittleWritten otherwise.
type ContentLengthWriter struct {
	w        io.Writer
	length   int64
	written  int64
	done     DoneFunc
	finished bool
}

func NewContentLengthWriter(w io.Writer, length int64, done DoneFunc) *ContentLengthWriter {
	return &ContentLengthWriter{w: w, length: length, done: done}
}

func (c *ContentLengthWriter) Write(p []byte) (int, error) {
	if c.written+int64(len(p)) > c.length {
		err := errors.NewPolicyError(errors.CodeTooMuchWritten, "wrote more bytes than declared Content-Length")
		callDone(c.done, &c.finished, err)
		return 0, err
	}
	n, err := c.w.Write(p)
	c.written += int64(n)
	if err != nil {
		callDone(c.done, &c.finished, err)
	}
	return n, err
}

func (c *ContentLengthWriter) Close() error {
	if c.written != c.length {
		err := errors.NewPolicyError(errors.CodeTooLittleWritten, "wrote fewer bytes than declared Content-Length")
		callDone(c.done, &c.finished, err)
		return err
	}
	callDone(c.done, &c.finished, nil)
	return nil
}

// ChunkedWriter emits each Write call as one chunk, and Close emits the
// terminating zero-length chunk.
type ChunkedWriter struct {
	w        io.Writer
	done     DoneFunc
	finished bool
}

func NewChunkedWriter(w io.Writer, done DoneFunc) *ChunkedWriter {
	return &ChunkedWriter{w: w, done: done}
}

func (c *ChunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	scratch := bytebufferpool.Get()
	defer bytebufferpool.Put(scratch)

	scratch.B = strconv.AppendInt(scratch.B, int64(len(p)), 16)
	scratch.B = append(scratch.B, '\r', '\n')
	scratch.B = append(scratch.B, p...)
	scratch.B = append(scratch.B, '\r', '\n')

	n, err := c.w.Write(scratch.B)
	if err != nil {
		callDone(c.done, &c.finished, err)
		// n counts chunk-framing bytes too; report only payload bytes written.
		if n > len(p) {
			n = len(p)
		}
		return n, err
	}
	return len(p), nil
}

func (c *ChunkedWriter) Close() error {
	_, err := c.w.Write([]byte("0\r\n\r\n"))
	callDone(c.done, &c.finished, err)
	return err
}

// EmptyWriter rejects any write; Close is a no-op that signals completion.
type EmptyWriter struct {
	done     DoneFunc
	finished bool
}

func NewEmptyWriter(done DoneFunc) *EmptyWriter {
	return &EmptyWriter{done: done}
}

func (e *EmptyWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	err := errors.NewPolicyError(errors.CodeTooMuchWritten, "write to a body declared empty")
	callDone(e.done, &e.finished, err)
	return 0, err
}

func (e *EmptyWriter) Close() error {
	callDone(e.done, &e.finished, nil)
	return nil
}
