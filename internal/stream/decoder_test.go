package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const sample = "data: {\"a\":1}\n\n: keep-alive\r\ndata: {\"b\":\"x\\ny\"}\n" +
	"event: ping\ndata: [DONE]\ndata: {\"c\":\"日本語\"}\n"

func feedAll(chunks ...string) []string {
	var dec LineDecoder
	var out []string
	for _, c := range chunks {
		out = append(out, dec.Feed([]byte(c))...)
	}
	return out
}

func TestLineDecoderChunkBoundaryIndependence(t *testing.T) {
	want := feedAll(sample)
	require.Equal(t, []string{
		`data: {"a":1}`,
		``,
		`: keep-alive`,
		`data: {"b":"x\ny"}`,
		`event: ping`,
		`data: [DONE]`,
		`data: {"c":"日本語"}`,
	}, want)

	for i := 0; i <= len(sample); i++ {
		assert.Equal(t, want, feedAll(sample[:i], sample[i:]), "split at %d", i)
	}
	for i := 0; i <= len(sample); i++ {
		for j := i; j <= len(sample); j++ {
			got := feedAll(sample[:i], sample[i:j], sample[j:])
			if !assert.Equal(t, want, got, "split at %d,%d", i, j) {
				return
			}
		}
	}

	var bytewise []string
	for i := 0; i < len(sample); i++ {
		bytewise = append(bytewise, sample[i:i+1])
	}
	assert.Equal(t, want, feedAll(bytewise...))
}

func TestLineDecoderKeepsUnterminatedTail(t *testing.T) {
	var dec LineDecoder
	assert.Empty(t, dec.Feed([]byte("data: {\"a\"")))
	assert.Equal(t, 10, dec.Pending())
	assert.Equal(t, []string{`data: {"a":1}`}, dec.Feed([]byte(":1}\ndata: partial")))
	assert.Equal(t, len("data: partial"), dec.Pending())
	dec.Reset()
	assert.Zero(t, dec.Pending())
}

func TestParseLine(t *testing.T) {
	f, ok := ParseLine(`data: {"x":1}  `)
	require.True(t, ok)
	assert.Equal(t, FrameData, f.Kind)
	assert.Equal(t, `{"x":1}`, string(f.Data))

	f, ok = ParseLine("data: [DONE]")
	require.True(t, ok)
	assert.Equal(t, FrameDone, f.Kind)
	assert.Nil(t, f.Data)

	for _, line := range []string{"", ": comment", "event: message", "data:", "data:    ", "id: 4"} {
		_, ok := ParseLine(line)
		assert.False(t, ok, "line %q", line)
	}
}

func collect(t *testing.T, r io.Reader) ([]Frame, error) {
	t.Helper()
	var frames []Frame
	err := Scan(context.Background(), r, zaptest.NewLogger(t), func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	return frames, err
}

func TestScanSkipsMalformedAndDone(t *testing.T) {
	input := "data: {not json\ndata: {\"ok\":true}\ndata: [DONE]\n"
	frames, err := collect(t, iotest.OneByteReader(strings.NewReader(input)))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, `{"ok":true}`, string(frames[0].Data))
	assert.Equal(t, FrameDone, frames[1].Kind)
}

func TestScanDiscardsUnterminatedTail(t *testing.T) {
	frames, err := collect(t, strings.NewReader("data: {\"a\":1}\ndata: {\"b\":2}"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, `{"a":1}`, string(frames[0].Data))
}

func TestScanHandlerErrors(t *testing.T) {
	input := "data: {\"n\":1}\ndata: {\"n\":2}\ndata: {\"n\":3}\n"
	var seen []string
	err := Scan(context.Background(), strings.NewReader(input), zaptest.NewLogger(t), func(f Frame) error {
		seen = append(seen, string(f.Data))
		if string(f.Data) == `{"n":1}` {
			return ErrMalformedFrame
		}
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 3)

	stop := errors.New("stop")
	seen = nil
	err = Scan(context.Background(), strings.NewReader(input), zaptest.NewLogger(t), func(f Frame) error {
		seen = append(seen, string(f.Data))
		return stop
	})
	require.ErrorIs(t, err, stop)
	assert.Len(t, seen, 1)
}

func TestScanReadErrorAndCancel(t *testing.T) {
	boom := errors.New("boom")
	_, err := collect(t, iotest.ErrReader(boom))
	require.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Scan(ctx, strings.NewReader("data: {}\n"), zaptest.NewLogger(t), func(Frame) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
