package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"github.com/danmuck/edgekv/internal/auth"
	"github.com/danmuck/edgekv/internal/config"
	"github.com/danmuck/edgekv/internal/testutil/testlog"
	"github.com/danmuck/edgekv/internal/testutil/tlstest"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInitAndCheckConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edgekvd.toml")

	if _, err := execute(t, "", "init-config", "-o", path); err != nil {
		t.Fatalf("init-config: %v", err)
	}
	if _, err := execute(t, "", "init-config", "-o", path); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	out, err := execute(t, "", "check-config", "-c", path, "--accounts=false")
	if err != nil {
		t.Fatalf("check-config: %v", err)
	}
	if !strings.Contains(out, "config ok:") || !strings.Contains(out, "listeners=2") {
		t.Fatalf("unexpected output: %q", out)
	}

	if err := os.WriteFile(path, []byte("name = \"x\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := execute(t, "", "check-config", "-c", path, "--accounts=false"); err == nil {
		t.Fatalf("expected a config without listeners to fail")
	}
}

func TestHashPasswordFromStdin(t *testing.T) {
	out, err := execute(t, "s3cret\n", "hash-password", "--cost", "4")
	if err != nil {
		t.Fatalf("hash-password: %v", err)
	}
	hash := strings.TrimSpace(out)
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")); err != nil {
		t.Fatalf("hash does not verify: %v", err)
	}
}

func TestBuildListenerLayers(t *testing.T) {
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "edgekv-test-ca")
	leaf := ca.IssueServerCert(t, dir, "localhost", []string{"localhost"}, nil)

	limits := config.Default().Limits
	l, err := buildListener(config.ListenerConfig{Name: "plain", Addr: "127.0.0.1:0"}, limits)
	if err != nil || len(l.Template.Layers) != 0 {
		t.Fatalf("plain: layers=%d err=%v", len(l.Template.Layers), err)
	}
	l, err = buildListener(config.ListenerConfig{
		Name:     "secure",
		Addr:     "127.0.0.1:0",
		Compress: true,
		TLS: config.TLSConfig{
			Enabled: true, Mutual: true,
			CertFile: leaf.CertFile, KeyFile: leaf.KeyFile, CAFile: ca.CAFile(),
		},
	}, limits)
	if err != nil || len(l.Template.Layers) != 2 {
		t.Fatalf("secure: layers=%d err=%v", len(l.Template.Layers), err)
	}
	if l.Socket.MaxIovecs != limits.MaxIovecs {
		t.Fatalf("iovecs=%d", l.Socket.MaxIovecs)
	}

	_, err = buildListener(config.ListenerConfig{
		Name: "broken",
		TLS:  config.TLSConfig{Enabled: true, CertFile: filepath.Join(dir, "nope.pem"), KeyFile: leaf.KeyFile},
	}, limits)
	if err == nil {
		t.Fatalf("expected missing cert to fail")
	}
}

func TestServerConfigMapping(t *testing.T) {
	cfg := config.Default()
	cfg.Limits.FloodRate = 7
	cfg.Timeouts.PingTimeout = config.Duration{Duration: 3 * time.Second}
	sc := serverConfig(cfg)
	if sc.MaxLine != cfg.Limits.MaxLine || sc.Queue.FloodRate != 7 || sc.PingTimeout != 3*time.Second {
		t.Fatalf("unexpected server config: %+v", sc)
	}
	if sc.Limits.MaxSendQ != cfg.Limits.MaxSendQ {
		t.Fatalf("sendq=%d", sc.Limits.MaxSendQ)
	}
}

func TestDaemonStartsAndStops(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	hash, err := auth.HashPassword("pw", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	accounts := filepath.Join(dir, "accounts.toml")
	body := "[[account]]\nname = \"alice\"\npassword_hash = \"" + hash + "\"\ncapabilities = \"rwp\"\n"
	if err := os.WriteFile(accounts, []byte(body), 0o600); err != nil {
		t.Fatalf("write accounts: %v", err)
	}

	cfg := config.Default()
	cfg.Storage.Backend = "memory"
	cfg.Auth.AccountsFile = accounts
	cfg.Listeners = []config.ListenerConfig{{Name: "main", Addr: "127.0.0.1:0"}}
	cfg.Aliases = map[string]string{"RM": "DEL"}
	d, err := newDaemon(cfg, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	if extra := d.adminExtra(); extra["accounts"] != 1 {
		t.Fatalf("admin extra: %v", extra)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := d.run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}
