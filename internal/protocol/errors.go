package protocol

import "errors"

var (
	// ErrFraming marks a complete line that cannot be accepted; the line is
	// dropped and the connection kept.
	ErrFraming = errors.New("protocol: framing error")
	// ErrDecode marks a line that does not parse as a command.
	ErrDecode = errors.New("protocol: decode error")
	// ErrRecvQExceeded is fatal: the peer buffered more than one line's worth
	// of bytes without a delimiter.
	ErrRecvQExceeded = errors.New("protocol: RecvQ exceeded")
)
