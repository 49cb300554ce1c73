// Package deflate is a pass-through transport layer compressing each outbound
// flush as one self-contained, length-prefixed deflate frame.
//
// Frame layout: 4-byte big-endian compressed length, then a complete deflate
// stream. Frames are independent, so a reader never waits on state carried
// across flushes.
package deflate

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/danmuck/edgekv/internal/transport"
)

var (
	ErrFrameTooLarge = errors.New("deflate: frame exceeds limit")
	ErrCorruptFrame  = errors.New("deflate: corrupt frame")
	ErrNotAttached   = errors.New("deflate: layer not attached")
)

const headerLen = 4

// Config bounds one layer instance.
type Config struct {
	Level int
	// MaxFrame caps the compressed size of one inbound frame.
	MaxFrame int
	// MaxDecoded caps the plaintext one inbound frame may expand to.
	MaxDecoded int
}

func DefaultConfig() Config {
	return Config{
		Level:      flate.DefaultCompression,
		MaxFrame:   256 * 1024,
		MaxDecoded: 1 << 20,
	}
}

// Layer is one connection's compression state.
type Layer struct {
	cfg  Config
	next transport.Middleware

	w    *flate.Writer
	wbuf bytes.Buffer
	out  transport.ChunkQueue

	r  io.ReadCloser
	in bytes.Buffer
}

func New(cfg Config) (*Layer, error) {
	def := DefaultConfig()
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = def.MaxFrame
	}
	if cfg.MaxDecoded <= 0 {
		cfg.MaxDecoded = def.MaxDecoded
	}
	w, err := flate.NewWriter(io.Discard, cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("deflate: writer: %w", err)
	}
	return &Layer{
		cfg: cfg,
		w:   w,
		r:   flate.NewReader(bytes.NewReader(nil)),
	}, nil
}

// Factory adapts New to a listener template entry.
func Factory(cfg Config) transport.Factory {
	return func() (transport.Middleware, error) { return New(cfg) }
}

func (l *Layer) Kind() transport.Kind { return transport.KindPassThrough }

func (l *Layer) Attach(next transport.Middleware, ev transport.Events) error {
	if next == nil {
		return fmt.Errorf("%w: deflate needs an inner layer", transport.ErrInvalidChain)
	}
	l.next = next
	return nil
}

// OnWrite compresses everything queued in src into one frame and pushes
// retained frames inward.
func (l *Layer) OnWrite(src *transport.ChunkQueue) (transport.WriteStatus, error) {
	if l.next == nil {
		return transport.WriteError, ErrNotAttached
	}
	if src.Len() > 0 {
		frame, err := l.encode(src)
		if err != nil {
			return transport.WriteError, err
		}
		l.out.Push(frame)
	}
	st, err := l.next.OnWrite(&l.out)
	switch st {
	case transport.WriteProgressed, transport.WriteWouldBlock, transport.WriteClosed:
		return st, nil
	default:
		return transport.WriteError, err
	}
}

func (l *Layer) encode(src *transport.ChunkQueue) ([]byte, error) {
	l.wbuf.Reset()
	l.wbuf.Write(make([]byte, headerLen))
	l.w.Reset(&l.wbuf)
	for src.Len() > 0 {
		if _, err := l.w.Write(src.Pop()); err != nil {
			return nil, fmt.Errorf("deflate: compress: %w", err)
		}
	}
	if err := l.w.Close(); err != nil {
		return nil, fmt.Errorf("deflate: compress: %w", err)
	}
	frame := make([]byte, l.wbuf.Len())
	copy(frame, l.wbuf.Bytes())
	binary.BigEndian.PutUint32(frame, uint32(len(frame)-headerLen))
	return frame, nil
}

// OnRead decodes every complete inbound frame into dst, pulling from the inner
// layer until at least one frame is available or the inner layer stops.
func (l *Layer) OnRead(dst *bytes.Buffer) (transport.ReadStatus, error) {
	if l.next == nil {
		return transport.ReadError, ErrNotAttached
	}
	for {
		n, err := l.decodeFrames(dst)
		if err != nil {
			return transport.ReadError, err
		}
		if n > 0 {
			return transport.ReadConsumed, nil
		}
		before := l.in.Len()
		st, err := l.next.OnRead(&l.in)
		switch st {
		case transport.ReadConsumed:
			if l.in.Len() == before {
				return transport.ReadWouldBlock, nil
			}
		case transport.ReadWouldBlock, transport.ReadClosed:
			return st, nil
		default:
			return transport.ReadError, err
		}
	}
}

func (l *Layer) decodeFrames(dst *bytes.Buffer) (int, error) {
	total := 0
	for l.in.Len() >= headerLen {
		size := int(binary.BigEndian.Uint32(l.in.Bytes()[:headerLen]))
		if size > l.cfg.MaxFrame {
			return total, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, l.cfg.MaxFrame)
		}
		if l.in.Len() < headerLen+size {
			break
		}
		l.in.Next(headerLen)
		frame := l.in.Next(size)
		if err := l.r.(flate.Resetter).Reset(bytes.NewReader(frame), nil); err != nil {
			return total, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
		}
		n, err := io.Copy(dst, io.LimitReader(l.r, int64(l.cfg.MaxDecoded)+1))
		if err != nil {
			return total, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
		}
		if n > int64(l.cfg.MaxDecoded) {
			return total, fmt.Errorf("%w: decoded size over %d", ErrFrameTooLarge, l.cfg.MaxDecoded)
		}
		total += int(n)
	}
	return total, nil
}

// Pending counts compressed bytes not yet accepted by the inner layer.
func (l *Layer) Pending() int { return l.out.Len() }

func (l *Layer) Established() bool { return true }

func (l *Layer) OnClose() {
	l.out.Reset()
	l.in.Reset()
	l.wbuf.Reset()
	if l.r != nil {
		_ = l.r.Close()
	}
}
