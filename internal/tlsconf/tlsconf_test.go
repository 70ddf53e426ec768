package tlsconf_test

import (
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearcast/internal/tlsconf"
)

func TestGenerateCAIsSelfSignedAndCanSign(t *testing.T) {
	ca, err := tlsconf.GenerateCA(time.Hour, "nearcast-test-ca")
	require.NoError(t, err)
	assert.True(t, ca.Cert.IsCA)
	assert.Equal(t, "nearcast-test-ca", ca.Cert.Subject.CommonName)
}

func TestIssueServerCertChainsToCA(t *testing.T) {
	ca, err := tlsconf.GenerateCA(time.Hour, "nearcast-test-ca")
	require.NoError(t, err)

	serverCert, err := ca.IssueServerCert(time.Hour, "localhost", "127.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, serverCert.Leaf)

	_, err = serverCert.Leaf.Verify(x509.VerifyOptions{
		Roots:     ca.Pool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	assert.NoError(t, err)
	assert.Equal(t, "nearcast-relay", serverCert.Leaf.Subject.CommonName)
	assert.Contains(t, serverCert.Leaf.DNSNames, "localhost")
}

func TestIssueClientCertCarriesPlayerNameAsCN(t *testing.T) {
	ca, err := tlsconf.GenerateCA(time.Hour, "nearcast-test-ca")
	require.NoError(t, err)

	clientCert, err := ca.IssueClientCert(time.Hour, "Steve")
	require.NoError(t, err)
	require.NotNil(t, clientCert.Leaf)
	assert.Equal(t, "Steve", clientCert.Leaf.Subject.CommonName)

	_, err = clientCert.Leaf.Verify(x509.VerifyOptions{
		Roots:     ca.Pool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err)
}

func TestPeerCommonNameEmptyWithoutCertificates(t *testing.T) {
	assert.Equal(t, "", tlsconf.PeerCommonName(tls.ConnectionState{}))
}

func TestServerAndClientConfigRequireTLS13(t *testing.T) {
	ca, err := tlsconf.GenerateCA(time.Hour, "ca")
	require.NoError(t, err)
	serverCert, err := ca.IssueServerCert(time.Hour, "localhost")
	require.NoError(t, err)
	clientCert, err := ca.IssueClientCert(time.Hour, "Steve")
	require.NoError(t, err)

	sc := tlsconf.ServerConfig(serverCert, ca.Pool())
	assert.Equal(t, uint16(tls.VersionTLS13), sc.MinVersion)
	assert.Equal(t, tls.RequireAndVerifyClientCert, sc.ClientAuth)

	cc := tlsconf.ClientConfig(clientCert, ca.Pool(), "localhost")
	assert.Equal(t, uint16(tls.VersionTLS13), cc.MinVersion)
	assert.Equal(t, "localhost", cc.ServerName)
}
