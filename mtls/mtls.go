// Package mtls converts key pairs and certificate chains into the PEM
// streams used to set up mutually authenticated Flight channels, and builds
// gRPC transport credentials from them.
package mtls

import (
	"bytes"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc/credentials"
)

// ErrEncoding is returned when key or certificate material cannot be serialized.
var ErrEncoding = errors.New("credential encoding failed")

const (
	blockPrivateKey  = "PRIVATE KEY"
	blockCertificate = "CERTIFICATE"
)

// KeyToStream serializes a private key as a PKCS #8 "PRIVATE KEY" PEM block.
// RSA, ECDSA and Ed25519 keys are supported.
func KeyToStream(key crypto.PrivateKey) (io.Reader, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: private key is nil", ErrEncoding)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return encode(&pem.Block{Type: blockPrivateKey, Bytes: der})
}

// CertsToStream serializes a certificate chain as consecutive "CERTIFICATE"
// PEM blocks, leaf first.
func CertsToStream(chain []*x509.Certificate) (io.Reader, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: certificate chain is empty", ErrEncoding)
	}
	blocks := make([]*pem.Block, 0, len(chain))
	for i, cert := range chain {
		if cert == nil || len(cert.Raw) == 0 {
			return nil, fmt.Errorf("%w: certificate %d has no DER encoding", ErrEncoding, i)
		}
		blocks = append(blocks, &pem.Block{Type: blockCertificate, Bytes: cert.Raw})
	}
	return encode(blocks...)
}

func encode(blocks ...*pem.Block) (io.Reader, error) {
	var buf bytes.Buffer
	for _, b := range blocks {
		if err := pem.Encode(&buf, b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
		}
	}
	return &buf, nil
}

// Bundle is a private key with its certificate chain.
type Bundle struct {
	Key   crypto.PrivateKey
	Chain []*x509.Certificate
}

// PEM returns the key and chain of b as PEM bytes.
func (b Bundle) PEM() (keyPEM, certPEM []byte, err error) {
	keyStream, err := KeyToStream(b.Key)
	if err != nil {
		return nil, nil, err
	}
	certStream, err := CertsToStream(b.Chain)
	if err != nil {
		return nil, nil, err
	}
	if keyPEM, err = io.ReadAll(keyStream); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if certPEM, err = io.ReadAll(certStream); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return keyPEM, certPEM, nil
}

// ServerCredentials builds TLS transport credentials for a Flight host.
// When clientCAPEM is not empty, clients must present a certificate signed
// by one of its authorities.
func ServerCredentials(certPEM, keyPEM, clientCAPEM []byte) (credentials.TransportCredentials, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("invalid server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS12,
	}
	if len(clientCAPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(clientCAPEM) {
			return nil, errors.New("failed to add client CA certificates to pool")
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return credentials.NewTLS(tlsConfig), nil
}

// ClientOptions configures ClientCredentials.
type ClientOptions struct {
	// CertPEM and KeyPEM are the client certificate for mutual TLS.
	// OPTIONAL: both empty means no client certificate.
	CertPEM []byte
	KeyPEM  []byte

	// RootCAPEM verifies the host certificate.
	// OPTIONAL: the system pool is used if empty.
	RootCAPEM []byte

	// ServerName overrides the name checked against the host certificate.
	ServerName string

	// InsecureSkipVerify disables host certificate verification.
	InsecureSkipVerify bool
}

// ClientCredentials builds TLS transport credentials for dialing a Flight host.
func ClientCredentials(opts ClientOptions) (credentials.TransportCredentials, error) {
	tlsConfig := &tls.Config{
		ServerName:         opts.ServerName,
		InsecureSkipVerify: opts.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	switch {
	case len(opts.CertPEM) > 0 && len(opts.KeyPEM) > 0:
		cert, err := tls.X509KeyPair(opts.CertPEM, opts.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("invalid client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	case len(opts.CertPEM) > 0 || len(opts.KeyPEM) > 0:
		return nil, errors.New("client certificate and key must be provided together")
	}

	if len(opts.RootCAPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(opts.RootCAPEM) {
			return nil, errors.New("failed to add root CA certificates to pool")
		}
		tlsConfig.RootCAs = pool
	}
	return credentials.NewTLS(tlsConfig), nil
}
