package tlsmw_test

import (
	"crypto/tls"
	"testing"

	"github.com/danmuck/edgekv/internal/testutil/tlstest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var serverConfig, clientConfig *tls.Config

func TestTLSMiddleware(t *testing.T) {
	ca := tlstest.NewAuthority(t, t.TempDir(), "tlsmw-ca")
	serverConfig, clientConfig = ca.Configs(t, t.TempDir(), "tlsmw.test")

	RegisterFailHandler(Fail)
	RunSpecs(t, "TLS middleware Suite")
}
