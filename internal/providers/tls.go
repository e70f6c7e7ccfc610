package providers

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// TLSOptions controls server certificate verification for provider
// transports. The zero value verifies against the system roots; disabling
// verification is an explicit opt-out, never a default.
type TLSOptions struct {
	// SkipVerify disables certificate verification entirely.
	SkipVerify bool

	// CAFile is a path to a PEM bundle to verify against instead of the
	// system roots.
	CAFile string
}

// ParseTLSSetting maps the config-file tri-state to TLSOptions: "true" (or
// empty) verifies with system roots, "false" disables verification, anything
// else is treated as a CA bundle path.
func ParseTLSSetting(s string) TLSOptions {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "true", "yes", "on", "1":
		return TLSOptions{}
	case "false", "no", "off", "0":
		return TLSOptions{SkipVerify: true}
	default:
		return TLSOptions{CAFile: strings.TrimSpace(s)}
	}
}

// clientTLSConfig builds the tls.Config for the options, reading the CA
// bundle if one is set. Returns nil for the default (system roots) so the
// transport can keep its stock configuration.
func (o TLSOptions) clientTLSConfig() (*tls.Config, error) {
	if o.SkipVerify && o.CAFile != "" {
		return nil, configErrorf("tls: cannot combine skip-verify with a CA bundle")
	}
	if o.SkipVerify {
		return &tls.Config{InsecureSkipVerify: true}, nil
	}
	if o.CAFile == "" {
		return nil, nil
	}

	pem, err := os.ReadFile(o.CAFile)
	if err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("tls: failed to read CA bundle %s", o.CAFile), Err: err}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, configErrorf("tls: no certificates found in CA bundle %s", o.CAFile)
	}
	return &tls.Config{RootCAs: pool}, nil
}

// newHTTPClient builds a provider transport with the given timeout and TLS
// policy. Each call returns an independent client owning its own connection
// pool.
func newHTTPClient(timeout time.Duration, tlsCfg *tls.Config) *http.Client {
	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: tlsCfg,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
