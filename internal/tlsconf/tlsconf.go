// Package tlsconf builds the mutually-authenticated TLS material the relay
// and its clients use over QUIC. Every client certificate is signed by one
// relay-operated CA and carries the player's name as its Common Name; the
// relay enforces that the authenticated CN matches the name claimed in the
// wire Hello packet.
package tlsconf

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// CA holds a certificate authority's signing key and certificate, used to
// issue both the relay's own server certificate and every client
// certificate.
type CA struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// GenerateCA creates a self-signed CA good for validity: a proper signing
// authority (IsCA + cert-sign key usage) rather than a certificate used
// directly as a leaf.
func GenerateCA(validity time.Duration, commonName string) (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: generate CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("tlsconf: generate CA serial: %w", err)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: parse CA certificate: %w", err)
	}
	return &CA{Cert: cert, Key: key}, nil
}

// Pool returns an x509.CertPool containing just this CA, suitable for
// tls.Config.ClientCAs or tls.Config.RootCAs.
func (ca *CA) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)
	return pool
}

// IssueServerCert signs a leaf certificate for the relay itself, valid for
// the given DNS/IP hostnames.
func (ca *CA) IssueServerCert(validity time.Duration, hostnames ...string) (tls.Certificate, error) {
	return ca.issueLeaf(validity, "nearcast-relay", hostnames, x509.ExtKeyUsageServerAuth)
}

// IssueClientCert signs a leaf certificate for one player. Its Common Name
// is the player's claimed name, which the relay's dispatcher later checks
// against the Hello packet's Name field.
func (ca *CA) IssueClientCert(validity time.Duration, playerName string) (tls.Certificate, error) {
	return ca.issueLeaf(validity, playerName, nil, x509.ExtKeyUsageClientAuth)
}

func (ca *CA) issueLeaf(validity time.Duration, cn string, dnsNames []string, usage x509.ExtKeyUsage) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsconf: generate leaf key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsconf: generate leaf serial: %w", err)
	}

	var ips []net.IP
	var dns []string
	for _, h := range dnsNames {
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
		} else {
			dns = append(dns, h)
		}
	}

	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		DNSNames:     dns,
		IPAddresses:  ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, ca.Cert, &key.PublicKey, ca.Key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsconf: sign leaf certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsconf: parse leaf certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der, ca.Cert.Raw}, PrivateKey: key, Leaf: leaf}, nil
}

// ServerConfig builds the relay-side tls.Config: present serverCert,
// require and verify a client certificate signed by the same CA.
func ServerConfig(serverCert tls.Certificate, caPool *x509.CertPool) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"nearcast-v1"},
	}
}

// ClientConfig builds the client-side tls.Config: present clientCert,
// trust the relay's CA, and verify the relay's hostname/SANs.
func ClientConfig(clientCert tls.Certificate, caPool *x509.CertPool, serverName string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caPool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"nearcast-v1"},
	}
}

// PeerCommonName returns the Common Name of the verified leaf certificate
// presented by the other side of conn's handshake, or "" if none was
// presented. The dispatcher uses this to bind a connection's identity
// before trusting any Owner.Name the peer claims on the wire.
func PeerCommonName(state tls.ConnectionState) string {
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	return state.PeerCertificates[0].Subject.CommonName
}
