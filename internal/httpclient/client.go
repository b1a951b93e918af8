package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"
	"time"

	"github.com/jmgilman/go/errors"
)

const DefaultTimeout = 30 * time.Second

// NewClient creates an http.Client that trusts the system CAs plus the PEM
// certificates in caFile, if given.
func NewClient(caFile string, timeout time.Duration) (*http.Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if caFile == "" {
		return &http.Client{Timeout: timeout}, nil
	}

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "read CA file %s", caFile)
	}

	// Load system cert pool
	rootCAs, err := x509.SystemCertPool()
	if err != nil || rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}
	if !rootCAs.AppendCertsFromPEM(pem) {
		return nil, errors.Newf(errors.CodeInvalidConfig, "no certificates found in %s", caFile)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{RootCAs: rootCAs}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}
