package issuer

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/http2"
)

const (
	// HTTP client configuration timeouts
	TCPDialTimeout        = 5 * time.Second
	TCPKeepAliveInterval  = 30 * time.Second
	TLSHandshakeTimeout   = 5 * time.Second
	IdleConnTimeout       = 90 * time.Second
	ExpectContinueTimeout = 1 * time.Second
)

// Transport sends one HTTP request. *http.Client satisfies it.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// TransportOptions configures the pooled client owned by one lane
type TransportOptions struct {
	PoolSize           int           // Max connections to the target (matches concurrency per worker)
	RequestTimeout     time.Duration // Whole-request timeout, 0 disables it
	InsecureSkipVerify bool          // Skip certificate validation (targets addressed by IP)
	HTTP2              bool          // Negotiate HTTP/2 over TLS
	CertFile           string        // Client certificate for mTLS
	KeyFile            string
	CAFile             string // Extra CA bundle for server verification
}

// NewHTTPClient creates a keep-alive client whose pool is bounded to
// PoolSize connections to the target host.
func NewHTTPClient(opts TransportOptions) (*http.Client, error) {
	if opts.PoolSize <= 0 {
		return nil, fmt.Errorf("pool size must be greater than 0")
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        opts.PoolSize,
		MaxIdleConnsPerHost: opts.PoolSize,
		MaxConnsPerHost:     opts.PoolSize,
		IdleConnTimeout:     IdleConnTimeout,
		DisableKeepAlives:   false,
		DisableCompression:  true, // measure the bytes the target actually sends

		DialContext: (&net.Dialer{
			Timeout:   TCPDialTimeout,
			KeepAlive: TCPKeepAliveInterval,
		}).DialContext,

		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ResponseHeaderTimeout: opts.RequestTimeout,
		ExpectContinueTimeout: ExpectContinueTimeout,
	}

	tlsCfg, err := buildTLSConfig(opts)
	if err != nil {
		return nil, err
	}
	transport.TLSClientConfig = tlsCfg

	if opts.HTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, fmt.Errorf("failed to enable HTTP/2: %w", err)
		}
	}

	return &http.Client{
		Timeout:   opts.RequestTimeout,
		Transport: transport,
	}, nil
}

func buildTLSConfig(opts TransportOptions) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}

	// Load client certificate if provided (for mTLS)
	if opts.CertFile != "" && opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if opts.CAFile != "" {
		caCert, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = caCertPool
	}

	return tlsCfg, nil
}
