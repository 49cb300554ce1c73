// Package client is a small line client for edgekvd, used by kvctl and by
// end-to-end tests against a real listener.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/edgekv/internal/protocol"
)

var (
	ErrLoginFailed = errors.New("client: login failed")
	ErrClosedLink  = errors.New("client: server closed the link")
	ErrNoAddr      = errors.New("client: address required")
)

// Config describes one server endpoint and the credentials to present.
type Config struct {
	Addr        string
	TLS         *tls.Config
	Account     string
	Password    string
	DialTimeout time.Duration
	Backoff     BackoffConfig
	// MaxAttempts bounds DialRetry; zero retries until ctx is done.
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		Addr:        "127.0.0.1:7379",
		DialTimeout: 5 * time.Second,
		Backoff:     DefaultBackoff(),
	}
}

// Reply is one decoded server line.
type Reply struct {
	Raw     string
	Code    protocol.Code
	Command string
	Target  string
	Params  []string
	Text    string
}

// IsError reports whether r is a numeric rejection.
func (r Reply) IsError() bool { return r.Code.IsError() }

// ParseReply splits a server line into numeric or command form.
func ParseReply(raw string) Reply {
	r := Reply{Raw: raw}
	head, text, hasText := strings.Cut(raw, " :")
	if hasText {
		r.Text = text
	}
	fields := strings.Fields(head)
	if len(fields) == 0 {
		return r
	}
	if n, err := strconv.Atoi(fields[0]); err == nil && len(fields[0]) == 3 {
		r.Code = protocol.Code(n)
		if len(fields) > 1 {
			r.Target = fields[1]
			r.Params = fields[2:]
		}
		return r
	}
	r.Command = fields[0]
	r.Params = fields[1:]
	return r
}

// Client is a single connection. It is not safe for concurrent use except
// that Close may be called from any goroutine.
type Client struct {
	cfg    Config
	conn   net.Conn
	r      *bufio.Reader
	target string
	seq    atomic.Uint64
}

// Dial connects and, when cfg.Account is set, logs in.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, ErrNoAddr
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	d := &net.Dialer{Timeout: cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if cfg.TLS != nil {
		td := &tls.Dialer{NetDialer: d, Config: cfg.TLS}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	c := &Client{cfg: cfg, conn: conn, r: bufio.NewReader(conn), target: "*"}
	if cfg.Account != "" {
		if err := c.login(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return c, nil
}

// DialRetry dials until it succeeds, ctx is done or MaxAttempts is reached,
// sleeping NextBackoffDelay between attempts. Login failures are not retried.
func DialRetry(ctx context.Context, cfg Config, rng *rand.Rand) (*Client, error) {
	var lastErr error
	for attempt := 1; cfg.MaxAttempts <= 0 || attempt <= cfg.MaxAttempts; attempt++ {
		c, err := Dial(ctx, cfg)
		if err == nil {
			return c, nil
		}
		if errors.Is(err, ErrLoginFailed) {
			return nil, err
		}
		lastErr = err
		delay := NextBackoffDelay(cfg.Backoff, attempt, rng)
		log.Debug().Msgf("client.DialRetry addr=%q attempt=%d delay=%s err=%v", cfg.Addr, attempt, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func (c *Client) login(ctx context.Context) error {
	replies, err := c.Exec(ctx, "LOGIN "+c.cfg.Account+" :"+c.cfg.Password)
	if err != nil {
		return err
	}
	for _, r := range replies {
		if r.Code == protocol.RplLoggedIn {
			c.target = r.Target
			return nil
		}
		if r.IsError() {
			return fmt.Errorf("%w: %s", ErrLoginFailed, r.Text)
		}
	}
	return fmt.Errorf("%w: no reply", ErrLoginFailed)
}

// Target is the name the server addresses this client by.
func (c *Client) Target() string { return c.target }

// Send writes one line.
func (c *Client) Send(line string) error {
	line = strings.TrimRight(line, "\r\n")
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

// Next reads one server line, answering server PINGs on the way.
func (c *Client) Next() (Reply, error) {
	for {
		raw, err := c.r.ReadString('\n')
		if err != nil {
			return Reply{}, fmt.Errorf("client: read: %w", err)
		}
		r := ParseReply(strings.TrimRight(raw, "\r\n"))
		if r.Command == "PING" {
			if err := c.Send("PONG :" + r.Text); err != nil {
				return Reply{}, err
			}
			continue
		}
		return r, nil
	}
}

const markerPrefix = "kvctl-"

// Exec sends lines and collects replies up to a private PONG marker, so the
// caller gets exactly the output those lines produced.
func (c *Client) Exec(ctx context.Context, lines ...string) ([]Reply, error) {
	marker := markerPrefix + strconv.FormatUint(c.seq.Add(1), 10)
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
		defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	}
	for _, l := range lines {
		if err := c.Send(l); err != nil {
			return nil, err
		}
	}
	if err := c.Send("PING :" + marker); err != nil {
		return nil, err
	}
	var out []Reply
	for {
		r, err := c.Next()
		if err != nil {
			return out, err
		}
		if r.Command == "PONG" && strings.HasPrefix(r.Text, markerPrefix) {
			if r.Text == marker {
				return out, nil
			}
			// A marker buffered by an earlier transaction, replayed late.
			continue
		}
		if r.Code == protocol.RplQueued && len(r.Params) > 0 && r.Params[0] == "PING" {
			// Inside MULTI the marker itself is buffered.
			return out, nil
		}
		out = append(out, r)
		if r.Command == "ERROR" {
			return out, fmt.Errorf("%w: %s", ErrClosedLink, r.Text)
		}
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}
