package mtls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// NewCertificate issues an ECDSA P-256 certificate for hosts. With a nil
// issuer the certificate is a self-signed CA, which is what development
// setups and tests need. Certificates are valid for 24 hours.
func NewCertificate(commonName string, hosts []string, issuer *Bundle) (Bundle, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Bundle{}, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return Bundle{}, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	parent := tmpl
	var signer crypto.PrivateKey = key
	var chain []*x509.Certificate
	if issuer == nil {
		tmpl.IsCA = true
		tmpl.BasicConstraintsValid = true
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	} else {
		if len(issuer.Chain) == 0 {
			return Bundle{}, fmt.Errorf("%w: issuer has no certificate", ErrEncoding)
		}
		parent = issuer.Chain[0]
		signer = issuer.Key
		chain = issuer.Chain
	}

	s, ok := signer.(crypto.Signer)
	if !ok {
		return Bundle{}, fmt.Errorf("%w: issuer key cannot sign", ErrEncoding)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, key.Public(), s)
	if err != nil {
		return Bundle{}, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Bundle{}, fmt.Errorf("parse certificate: %w", err)
	}

	return Bundle{Key: key, Chain: append([]*x509.Certificate{cert}, chain...)}, nil
}
