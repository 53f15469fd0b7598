// Package stream implements the line-delimited "data: <json>" framing shared
// by the upstream provider stream and the relay's own downstream stream.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"
)

const (
	dataPrefix  = "data: "
	donePayload = "[DONE]"
	readSize    = 32 * 1024
)

// ErrMalformedFrame marks a single bad frame. Scan logs and skips it.
var ErrMalformedFrame = errors.New("malformed frame")

// FrameKind tells a JSON payload frame from the [DONE] terminator.
type FrameKind int

const (
	// FrameData carries a JSON payload.
	FrameData FrameKind = iota + 1
	// FrameDone is the literal "data: [DONE]" line.
	FrameDone
)

// Frame is one "data: " line. Data holds the trimmed payload of FrameData.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// LineDecoder turns arbitrarily chunked input into complete lines. The
// fragment after the last '\n' is carried into the next Feed.
type LineDecoder struct {
	buf []byte
}

// Feed appends chunk and returns every line it completed, without the
// terminator.
func (d *LineDecoder) Feed(chunk []byte) []string {
	d.buf = append(d.buf, chunk...)

	var lines []string
	start := 0
	for {
		i := bytes.IndexByte(d.buf[start:], '\n')
		if i < 0 {
			break
		}
		line := d.buf[start : start+i]
		lines = append(lines, string(bytes.TrimSuffix(line, []byte{'\r'})))
		start += i + 1
	}
	if start > 0 {
		rest := make([]byte, len(d.buf)-start)
		copy(rest, d.buf[start:])
		d.buf = rest
	}
	return lines
}

// Pending reports how many bytes of an unterminated line are buffered.
func (d *LineDecoder) Pending() int {
	return len(d.buf)
}

// Reset drops any buffered partial line.
func (d *LineDecoder) Reset() {
	d.buf = nil
}

// ParseLine classifies one complete line. Only "data: " lines with a
// non-empty payload produce a frame; comments and keep-alives are dropped.
func ParseLine(line string) (Frame, bool) {
	if !strings.HasPrefix(line, dataPrefix) {
		return Frame{}, false
	}
	payload := strings.TrimSpace(line[len(dataPrefix):])
	switch payload {
	case "":
		return Frame{}, false
	case donePayload:
		return Frame{Kind: FrameDone}, true
	}
	return Frame{Kind: FrameData, Data: []byte(payload)}, true
}

// FrameHandler receives frames in stream order. Returning an error that
// wraps ErrMalformedFrame skips the frame; any other error stops Scan.
type FrameHandler func(Frame) error

// Scan reads r until EOF and hands every frame to fn. Invalid JSON on a
// data line is logged and skipped so one bad frame never ends the stream.
// An unterminated trailing line is discarded.
func Scan(ctx context.Context, r io.Reader, logger *zap.Logger, fn FrameHandler) error {
	var dec LineDecoder
	buf := make([]byte, readSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			for _, line := range dec.Feed(buf[:n]) {
				frame, ok := ParseLine(line)
				if !ok {
					continue
				}
				if frame.Kind == FrameData && !json.Valid(frame.Data) {
					logger.Warn("Skipping malformed stream frame", zap.ByteString("payload", frame.Data))
					continue
				}
				if err := fn(frame); err != nil {
					if errors.Is(err, ErrMalformedFrame) {
						logger.Warn("Skipping malformed stream frame",
							zap.Error(err),
							zap.ByteString("payload", frame.Data))
						continue
					}
					return err
				}
			}
		}

		if readErr == io.EOF {
			if dec.Pending() > 0 {
				logger.Debug("Discarding unterminated stream tail", zap.Int("bytes", dec.Pending()))
			}
			return nil
		}
		if readErr != nil {
			if err := ctx.Err(); err != nil {
				return err
			}
			return readErr
		}
	}
}
