package tls

import (
	"crypto/tls"
	"fmt"
)

// ConfigError reports malformed TLS certificate or key material supplied
// by a caller.
type ConfigError struct {
	err error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid TLS material: %v", e.err)
}

// Unwrap returns the underlying parse error.
func (e *ConfigError) Unwrap() error {
	return e.err
}

// BuildServerConfig builds a server-side TLS configuration from a
// PEM-encoded certificate and private key bundle. The material is not
// inspected beyond what parsing requires; malformed material yields a
// *ConfigError.
func BuildServerConfig(certPEM, keyPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, &ConfigError{err: err}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
