package tlsmw_test

import (
	"bytes"
	"crypto/tls"
	"errors"
	"time"

	"github.com/danmuck/edgekv/internal/transport"
	"github.com/danmuck/edgekv/internal/transport/tlsmw"
	"github.com/danmuck/edgekv/internal/transport/transporttest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func pair(serverCfg, clientCfg *tls.Config) (*tlsmw.Layer, *tlsmw.Layer, *transport.MemSocket, *transporttest.End, *transporttest.End) {
	a, b := transport.Pipe(0)
	srv, err := tlsmw.NewServer(serverCfg)
	Expect(err).ToNot(HaveOccurred())
	cli, err := tlsmw.NewClient(clientCfg)
	Expect(err).ToNot(HaveOccurred())
	server := transporttest.New(GinkgoT(), []transport.Middleware{srv, a}, transport.DefaultLimits())
	client := transporttest.New(GinkgoT(), []transport.Middleware{cli, b}, transport.DefaultLimits())
	return srv, cli, b, server, client
}

var _ = Describe("TLS layer", func() {
	It("requires a config", func() {
		_, err := tlsmw.NewServer(nil)
		Expect(err).To(MatchError(tlsmw.ErrNoConfig))
	})

	It("must not be the terminal layer", func() {
		l, err := tlsmw.NewServer(serverConfig)
		Expect(err).ToNot(HaveOccurred())
		_, err = transport.New([]transport.Middleware{l}, transporttest.NewSignal(), transport.DefaultLimits())
		Expect(errors.Is(err, transport.ErrInvalidChain)).To(BeTrue())
	})

	It("moves from Handshaking to Open and carries data both ways", func() {
		srv, cli, _, server, client := pair(serverConfig, clientConfig)
		Expect(srv.State()).To(Equal(tlsmw.StateHandshaking))

		client.T.Write([]byte("LOGIN admin secret\r\n"))
		server.T.Write([]byte("220 * :welcome\r\n"))

		transporttest.Drive(GinkgoT(), 5*time.Second, func() bool {
			return server.Got.Len() > 0 && client.Got.Len() > 0
		}, server, client)

		Expect(srv.State()).To(Equal(tlsmw.StateOpen))
		Expect(cli.State()).To(Equal(tlsmw.StateOpen))
		Expect(server.Got.String()).To(Equal("LOGIN admin secret\r\n"))
		Expect(client.Got.String()).To(Equal("220 * :welcome\r\n"))
		Expect(srv.ConnectionState().HandshakeComplete).To(BeTrue())

		server.T.Close()
		client.T.Close()
		Eventually(srv.Done()).Should(BeClosed())
		Eventually(cli.Done()).Should(BeClosed())
	})

	It("retains application data while Handshaking", func() {
		srv, _, _, server, client := pair(serverConfig, clientConfig)
		server.T.Write([]byte("early\n"))

		Expect(server.T.Flush()).To(Succeed())
		Expect(srv.State()).To(Equal(tlsmw.StateHandshaking))
		Expect(server.T.Pending()).To(BeNumerically(">=", len("early\n")))
		Expect(client.Got.Len()).To(BeZero())

		server.T.Close()
		client.T.Close()
	})

	It("fails the handshake with a stated reason on non-TLS input", func() {
		a, b := transport.Pipe(0)
		srv, err := tlsmw.NewServer(serverConfig)
		Expect(err).ToNot(HaveOccurred())
		server := transporttest.New(GinkgoT(), []transport.Middleware{srv, a}, transport.DefaultLimits())
		plain := transporttest.New(GinkgoT(), []transport.Middleware{b}, transport.DefaultLimits())

		plain.T.Write([]byte("PING :hello\r\n"))
		transporttest.Drive(GinkgoT(), 5*time.Second, func() bool {
			return server.T.Closed()
		}, server, plain)

		Expect(srv.State()).To(Equal(tlsmw.StateError))
		Expect(errors.Is(srv.Reason(), tlsmw.ErrHandshake)).To(BeTrue())
		Expect(errors.Is(server.Err, tlsmw.ErrHandshake)).To(BeTrue())
		Expect(server.Got.Len()).To(BeZero())
		Eventually(srv.Done()).Should(BeClosed())
	})

	It("closes with a protocol error on garbage records after Open", func() {
		srv, _, clientSock, server, client := pair(serverConfig, clientConfig)
		client.T.Write([]byte("hello\n"))
		transporttest.Drive(GinkgoT(), 5*time.Second, func() bool {
			return server.Got.Len() > 0
		}, server, client)
		Expect(srv.State()).To(Equal(tlsmw.StateOpen))

		var forged transport.ChunkQueue
		forged.Push(append([]byte{0x17, 0x03, 0x03, 0x00, 0x20}, bytes.Repeat([]byte{0xAA}, 32)...))
		_, err := clientSock.OnWrite(&forged)
		Expect(err).ToNot(HaveOccurred())

		transporttest.Drive(GinkgoT(), 5*time.Second, func() bool {
			return server.T.Closed()
		}, server)

		Expect(srv.State()).To(Equal(tlsmw.StateError))
		Expect(errors.Is(server.Err, tlsmw.ErrProtocol)).To(BeTrue())
		client.T.Close()
	})

	It("releases resources when closed while Handshaking and never decodes", func() {
		a, _ := transport.Pipe(0)
		srv, err := tlsmw.NewServer(serverConfig)
		Expect(err).ToNot(HaveOccurred())
		server := transporttest.New(GinkgoT(), []transport.Middleware{srv, a}, transport.DefaultLimits())
		Expect(srv.State()).To(Equal(tlsmw.StateHandshaking))

		server.T.Close()

		Eventually(srv.Done()).Should(BeClosed())
		Expect(srv.State()).To(Equal(tlsmw.StateClosed))
		Expect(server.T.Recv().Len()).To(BeZero())
		Expect(srv.Pending()).To(BeZero())
	})

	It("bounds the ciphertext pulled from a peer that never stops sending", func() {
		hose := &firehose{}
		sig := transporttest.NewSignal()
		srv, err := tlsmw.NewServer(serverConfig)
		Expect(err).ToNot(HaveOccurred())
		Expect(srv.Attach(hose, sig)).To(Succeed())
		defer srv.OnClose()

		var dst bytes.Buffer
		_, _ = srv.OnRead(&dst)

		Expect(hose.read).To(BeNumerically(">", 0))
		Expect(hose.read).To(BeNumerically("<=", 64*1024+4096))
		readable, _ := sig.Counts()
		Expect(readable).To(BeNumerically(">=", 1))
	})

	It("tolerates OnClose before Attach", func() {
		l, err := tlsmw.NewClient(clientConfig)
		Expect(err).ToNot(HaveOccurred())
		l.OnClose()
		Eventually(l.Done()).Should(BeClosed())
	})
})

// firehose is a terminal layer that always has more input.
type firehose struct {
	read int
}

func (f *firehose) Kind() transport.Kind { return transport.KindTerminal }

func (f *firehose) Attach(transport.Middleware, transport.Events) error { return nil }

func (f *firehose) OnRead(dst *bytes.Buffer) (transport.ReadStatus, error) {
	dst.Write(make([]byte, 4096))
	f.read += 4096
	return transport.ReadConsumed, nil
}

func (f *firehose) OnWrite(src *transport.ChunkQueue) (transport.WriteStatus, error) {
	src.Reset()
	return transport.WriteProgressed, nil
}

func (f *firehose) Pending() int      { return 0 }
func (f *firehose) Established() bool { return true }
func (f *firehose) OnClose()          {}
