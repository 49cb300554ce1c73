package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/danmuck/edgekv/internal/client"
	"github.com/danmuck/edgekv/internal/config"
	"github.com/danmuck/edgekv/internal/logging"
)

type options struct {
	addr         string
	account      string
	password     string
	securityMode string
	tls          config.ClientTLSConfig
	timeout      time.Duration
	attempts     int
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "kvctl",
		Short:         "Talk to an edgekvd listener",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
		},
	}
	f := root.PersistentFlags()
	f.StringVarP(&opts.addr, "addr", "a", "127.0.0.1:7379", "listener address")
	f.StringVarP(&opts.account, "user", "u", "", "account to log in as")
	f.StringVar(&opts.password, "password", "", "password; prompted on a terminal when empty")
	f.StringVar(&opts.securityMode, "security-mode", string(config.SecurityModeDevelopment), "development|production")
	f.BoolVar(&opts.tls.Enabled, "tls", false, "dial with TLS")
	f.BoolVar(&opts.tls.Mutual, "mtls", false, "present a client certificate")
	f.StringVar(&opts.tls.CAFile, "ca", "", "CA bundle for the server certificate")
	f.StringVar(&opts.tls.CertFile, "cert", "", "client certificate")
	f.StringVar(&opts.tls.KeyFile, "key", "", "client key")
	f.StringVar(&opts.tls.ServerName, "server-name", "", "TLS server name")
	f.BoolVar(&opts.tls.InsecureSkipVerify, "insecure", false, "skip server verification (development only)")
	f.DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-request timeout")
	f.IntVar(&opts.attempts, "attempts", 5, "dial attempts before giving up; 0 retries forever")

	root.AddCommand(
		&cobra.Command{
			Use:   "exec <line>...",
			Short: "Send each argument as one line and print the replies",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runExec(cmd.Context(), opts, args, cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "shell",
			Short: "Interactive session that reconnects with backoff",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runShell(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "watch <channel>...",
			Short: "Subscribe and print messages until interrupted",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWatch(cmd.Context(), opts, args, cmd.OutOrStdout())
			},
		},
	)
	return root
}

func (o *options) clientConfig() (client.Config, error) {
	mode := config.NormalizeSecurityMode(config.SecurityMode(o.securityMode))
	if err := config.ValidateClientTLS(mode, o.tls); err != nil {
		return client.Config{}, err
	}
	tc, err := o.tls.ClientTLS()
	if err != nil {
		return client.Config{}, err
	}
	cfg := client.DefaultConfig()
	cfg.Addr = o.addr
	cfg.TLS = tc
	cfg.Account = o.account
	cfg.MaxAttempts = o.attempts
	if o.account != "" {
		pw, err := o.passwordOrPrompt()
		if err != nil {
			return client.Config{}, err
		}
		cfg.Password = pw
	}
	return cfg, nil
}

func (o *options) passwordOrPrompt() (string, error) {
	if o.password != "" {
		return o.password, nil
	}
	if env := os.Getenv("EDGEKV_PASSWORD"); env != "" {
		return env, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("password required: use --password or EDGEKV_PASSWORD")
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", o.account)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return string(pw), err
}

func background(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func printReplies(out io.Writer, replies []client.Reply) {
	for _, r := range replies {
		fmt.Fprintln(out, r.Raw)
	}
}

func runExec(ctx context.Context, opts *options, lines []string, out io.Writer) error {
	ctx = background(ctx)
	cfg, err := opts.clientConfig()
	if err != nil {
		return err
	}
	c, err := client.DialRetry(ctx, cfg, rand.New(rand.NewSource(time.Now().UnixNano())))
	if err != nil {
		return err
	}
	defer c.Close()

	reqCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	replies, err := c.Exec(reqCtx, lines...)
	printReplies(out, replies)
	if errors.Is(err, client.ErrClosedLink) {
		return nil
	}
	return err
}

func runShell(ctx context.Context, opts *options, in io.Reader, out io.Writer) error {
	ctx = background(ctx)
	cfg, err := opts.clientConfig()
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	c, err := client.DialRetry(ctx, cfg, rng)
	if err != nil {
		return err
	}
	defer func() { c.Close() }()

	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	prompt := func() {
		if interactive {
			fmt.Fprintf(out, "%s@%s> ", c.Target(), cfg.Addr)
		}
	}

	sc := bufio.NewScanner(in)
	prompt()
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			prompt()
			continue
		}
		replies, err := exec(ctx, c, opts.timeout, line)
		printReplies(out, replies)
		switch {
		case err == nil:
		case errors.Is(err, client.ErrClosedLink):
			return nil
		default:
			fmt.Fprintf(out, "connection lost (%v), reconnecting\n", err)
			c.Close()
			if c, err = client.DialRetry(ctx, cfg, rng); err != nil {
				return err
			}
		}
		prompt()
	}
	return sc.Err()
}

func exec(ctx context.Context, c *client.Client, timeout time.Duration, line string) ([]client.Reply, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Exec(reqCtx, line)
}

func runWatch(ctx context.Context, opts *options, channels []string, out io.Writer) error {
	ctx = background(ctx)
	cfg, err := opts.clientConfig()
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		c, err := client.DialRetry(ctx, cfg, rng)
		if err != nil {
			return err
		}
		go func() {
			<-ctx.Done()
			c.Close()
		}()
		err = watchOnce(ctx, c, opts.timeout, channels, out)
		c.Close()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, client.ErrClosedLink) {
			return err
		}
		fmt.Fprintf(out, "connection lost (%v), reconnecting\n", err)
	}
}

func watchOnce(ctx context.Context, c *client.Client, timeout time.Duration, channels []string, out io.Writer) error {
	lines := make([]string, 0, len(channels))
	for _, ch := range channels {
		verb := "SUBSCRIBE "
		if strings.ContainsAny(ch, "*?[") {
			verb = "PSUBSCRIBE "
		}
		lines = append(lines, verb+ch)
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	replies, err := c.Exec(reqCtx, lines...)
	cancel()
	printReplies(out, replies)
	if err != nil {
		return err
	}
	for {
		r, err := c.Next()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, r.Raw)
		if r.Command == "ERROR" {
			return fmt.Errorf("%w: %s", client.ErrClosedLink, r.Text)
		}
	}
}
