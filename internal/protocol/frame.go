// Package protocol implements the symmetric length-prefixed JSON framing
// that both the negotiator host and guest endpoints speak (spec.md §4.1).
//
// Wire format: <decimal-ascii-byte-count>\n<payload-bytes>, where payload is
// the UTF-8 JSON encoding of a value. The byte count is measured in encoded
// bytes, not characters, and there is no trailing delimiter after the
// payload.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ProtocolError is raised when the remote side violates the framing
// contract: a non-numeric byte-count line, or a payload that doesn't parse
// as JSON. It is fatal to the endpoint that observes it (spec.md §7).
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return e.Msg }

func newProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// FrameReader reads length-prefixed JSON frames from a persistent
// *bufio.Reader bound to one connection for its lifetime, mirroring how
// vmm.NewNetControlChannel binds a *bufio.Scanner to its net.Conn. A plain
// Scanner can't express "read N raw bytes after this line," so a
// bufio.Reader plus an explicit io.ReadFull is used here instead.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r (or r itself, if it is already a *bufio.Reader).
func NewFrameReader(r io.Reader) *FrameReader {
	if br, ok := r.(*bufio.Reader); ok {
		return &FrameReader{r: br}
	}
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadFrame reads one complete frame and decodes it into v.
//
// An empty byte-count line is reported as a *ProtocolError here. ReadLine
// on its own reports an empty line as connected == false instead, for
// callers that need to tell "transport not yet connected" apart from a
// protocol violation.
func (fr *FrameReader) ReadFrame(v any) error {
	line, connected, err := fr.ReadLine()
	if err != nil {
		return err
	}
	if !connected {
		return newProtocolError("read empty line from not-yet-connected transport")
	}
	num, err := strconv.Atoi(line)
	if err != nil {
		return newProtocolError("received invalid input from remote side! expected a byte count, got the line %q", line)
	}
	payload := make([]byte, num)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return newProtocolError("failed to read %d byte payload: %v", num, err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return newProtocolError("failed to decode message from remote side as JSON! tried to decode message %q: %v", string(payload), err)
	}
	return nil
}

// ReadLine reads and trims one newline-terminated line. connected is false
// when the line is empty after trimming, which spec.md §4.4 treats as "the
// transport is not yet connected" rather than a protocol violation.
func (fr *FrameReader) ReadLine() (line string, connected bool, err error) {
	raw, err := fr.r.ReadString('\n')
	if err != nil && raw == "" {
		return "", false, err
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false, nil
	}
	if !isAllDigits(trimmed) {
		return "", false, newProtocolError("received invalid input from remote side! expected a byte count, got the line %q", trimmed)
	}
	return trimmed, true, nil
}

// WriteFrame JSON-encodes v and writes it as a single logical message:
// decimal byte count, newline, payload, flush — mirroring
// NetControlChannel.Send's single coalesced write.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriter(w)
	}
	if _, err := fmt.Fprintf(bw, "%d\n", len(payload)); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := bw.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return bw.Flush()
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
