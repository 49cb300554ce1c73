package protocol

import (
	"bytes"
	"fmt"
)

// DefaultMaxLine bounds one protocol line, delimiter excluded.
const DefaultMaxLine = 4096

// Accumulator splits a receive buffer into lines. It never fails on content:
// NUL becomes a space and a trailing CR is stripped.
type Accumulator struct {
	MaxLine int
}

func NewAccumulator(maxLine int) Accumulator {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	return Accumulator{MaxLine: maxLine}
}

// Next takes the next complete line from buf. ok is false when no delimiter is
// buffered yet. A complete but oversized line is consumed and reported as
// ErrFraming; an unterminated buffer past MaxLine is ErrRecvQExceeded.
func (a Accumulator) Next(buf *bytes.Buffer) (line string, ok bool, err error) {
	max := a.MaxLine
	if max <= 0 {
		max = DefaultMaxLine
	}
	idx := bytes.IndexByte(buf.Bytes(), '\n')
	if idx < 0 {
		if buf.Len() > max {
			return "", false, fmt.Errorf("%w: %d bytes without a line delimiter", ErrRecvQExceeded, buf.Len())
		}
		return "", false, nil
	}

	raw := buf.Next(idx + 1)
	raw = raw[:len(raw)-1]
	if n := len(raw); n > 0 && raw[n-1] == '\r' {
		raw = raw[:n-1]
	}
	if len(raw) > max {
		return "", true, fmt.Errorf("%w: line of %d bytes exceeds %d", ErrFraming, len(raw), max)
	}
	return string(bytes.ReplaceAll(raw, []byte{0}, []byte{' '})), true, nil
}
