package command

import (
	"time"

	"github.com/danmuck/edgekv/internal/protocol"
)

// Unlimited marks a descriptor accepting any number of parameters.
const Unlimited = -1

// Capability is a single-letter permission flag. Zero means no permission is
// required.
type Capability byte

const (
	CapNone    Capability = 0
	CapRead    Capability = 'r'
	CapWrite   Capability = 'w'
	CapPubSub  Capability = 'p'
	CapMonitor Capability = 'm'
	CapExec    Capability = 'e'
)

func (c Capability) String() string {
	if c == CapNone {
		return "-"
	}
	return string(rune(c))
}

// Result is what a handler reports back to the dispatcher.
type Result int

const (
	ResultSuccess Result = iota
	ResultFailed
	ResultInvalid
	// ResultDeferred means the handler handed work to a background worker and
	// will reply when it completes. The final result reaches observers through
	// Dispatcher.Complete.
	ResultDeferred
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailed:
		return "failed"
	case ResultInvalid:
		return "invalid"
	case ResultDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Client is the dispatcher's view of one connection.
type Client interface {
	ID() string
	// Target names the client in replies; "*" before registration.
	Target() string
	Registered() bool
	Reply(code protocol.Code, params []string, text string)
	// Touch records activity. Keep-alive traffic only moves the keep-alive
	// deadline, not last activity.
	Touch(now time.Time, keepAlive bool)
}

// PermissionProvider answers capability checks for a client.
type PermissionProvider interface {
	HasCapability(c Client, flag Capability) bool
	IsAdmin(c Client) bool
}

// Handler runs one command. params already satisfy the descriptor's bounds.
// Handlers write their own replies.
type Handler func(c Client, params []string) Result

// Descriptor describes one command. It is immutable once the table is built.
type Descriptor struct {
	Name                     string
	MinParams                int
	MaxParams                int
	Permission               Capability
	AllowsPreRegistration    bool
	AllowsTrailingEmptyParam bool
	// KeepAlive commands jump the per-connection queue and do not refresh
	// last activity.
	KeepAlive bool
	Handler   Handler
}
