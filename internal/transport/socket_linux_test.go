//go:build linux

package transport_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/danmuck/edgekv/internal/testutil/testlog"
	"github.com/danmuck/edgekv/internal/transport"
	"github.com/danmuck/edgekv/internal/transport/transporttest"
)

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-accepted
	if server == nil {
		t.Fatalf("accept failed")
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return server, client
}

func TestSocketReadWriteOverTCP(t *testing.T) {
	testlog.Start(t)

	serverConn, client := tcpPair(t)
	sock, err := transport.NewSocket(serverConn, transport.SocketOptions{MaxIovecs: 8})
	if err != nil {
		t.Fatalf("NewSocket: %v", err)
	}
	end := transporttest.New(t, []transport.Middleware{sock}, transport.DefaultLimits())

	if _, err := client.Write([]byte("PING :one\r\n")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	transporttest.Drive(t, 2*time.Second, func() bool {
		return end.Got.Len() == len("PING :one\r\n")
	}, end)

	var want bytes.Buffer
	for i := 0; i < 500; i++ {
		line := fmt.Sprintf("201 client key%03d :value %03d\r\n", i, i)
		want.WriteString(line)
		end.T.Write([]byte(line))
	}

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, want.Len())
		if _, err := io.ReadFull(client, buf); err != nil {
			got <- nil
			return
		}
		got <- buf
	}()

	var received []byte
	transporttest.Drive(t, 5*time.Second, func() bool {
		select {
		case received = <-got:
			return true
		default:
			return false
		}
	}, end)

	if !bytes.Equal(received, want.Bytes()) {
		t.Fatalf("client received %d bytes, want %d identical bytes", len(received), want.Len())
	}
}

func TestSocketPeerCloseIsReported(t *testing.T) {
	testlog.Start(t)

	serverConn, client := tcpPair(t)
	sock, err := transport.NewSocket(serverConn, transport.SocketOptions{})
	if err != nil {
		t.Fatalf("NewSocket: %v", err)
	}
	end := transporttest.New(t, []transport.Middleware{sock}, transport.DefaultLimits())

	if _, err := client.Write([]byte("QUIT\r\n")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	_ = client.Close()

	transporttest.Drive(t, 2*time.Second, func() bool { return end.T.Closed() }, end)

	if end.Got.String() != "QUIT\r\n" {
		t.Fatalf("got %q before close", end.Got.String())
	}
	if !errors.Is(end.Err, transport.ErrPeerClosed) {
		t.Fatalf("err=%v, want ErrPeerClosed", end.Err)
	}
}

func TestNewSocketRejectsConnWithoutDescriptor(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if _, err := transport.NewSocket(a, transport.SocketOptions{}); !errors.Is(err, transport.ErrSocket) {
		t.Fatalf("err=%v, want ErrSocket", err)
	}
}
