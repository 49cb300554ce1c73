package transport

// DefaultMaxIovecs bounds the chunks handed to one vectorised write.
const DefaultMaxIovecs = 64

// defaultReadChunk is the scratch buffer size for one socket read.
const defaultReadChunk = 16 * 1024

// SocketOptions tunes a terminal socket layer.
type SocketOptions struct {
	MaxIovecs int
	ReadChunk int
}

func (o SocketOptions) withDefaults() SocketOptions {
	if o.MaxIovecs <= 0 {
		o.MaxIovecs = DefaultMaxIovecs
	}
	if o.ReadChunk <= 0 {
		o.ReadChunk = defaultReadChunk
	}
	return o
}
