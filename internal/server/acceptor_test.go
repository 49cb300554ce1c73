package server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgekv/internal/testutil/testlog"
)

func dialLine(t *testing.T, addr, send string) (net.Conn, string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	if send != "" {
		if _, err := conn.Write([]byte(send)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	line, _ := bufio.NewReader(conn).ReadString('\n')
	return conn, line
}

func TestListenerConnectionCap(t *testing.T) {
	testlog.Start(t)
	var ran []string
	s, err := New(DefaultConfig(), echoDispatcher(t, &ran, time.Now))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	served := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	go func() { served <- s.Serve(ctx, ln, Listener{Name: "capped", MaxConns: 1}) }()
	defer func() {
		cancel()
		<-done
		<-served
	}()

	first, line := dialLine(t, addr, "ECHO one\r\n")
	if line != "200 * ECHO :one\r\n" {
		t.Fatalf("first reply=%q", line)
	}

	second, line := dialLine(t, addr, "")
	second.Close()
	if line != "ERROR :Closing link: Too many connections\r\n" {
		t.Fatalf("second reply=%q", line)
	}

	// The slot comes back once the loop reaps the first connection.
	first.Close()
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, line := dialLine(t, addr, "ECHO two\r\n")
		conn.Close()
		if line == "200 * ECHO :two\r\n" {
			break
		}
		if !strings.HasPrefix(line, "ERROR ") || time.Now().After(deadline) {
			t.Fatalf("after release reply=%q", line)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
