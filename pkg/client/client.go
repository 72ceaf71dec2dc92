// Package client reads the status document of a running autoexec manager.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// DefaultURL is the status URL of a manager running with default settings.
const DefaultURL = "http://localhost:8000/status"

// Client queries the status endpoint of an autoexec manager.
type Client struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// Config holds client configuration
type Config struct {
	// URL is the full status URL, as advertised in api_url.
	URL      string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig is used when the manager sits behind a TLS-terminating proxy.
type TLSClientConfig struct {
	Enabled    bool
	CACert     string // CA certificate file path
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

func DefaultConfig() Config {
	return Config{
		URL:     DefaultURL,
		Timeout: 10 * time.Second,
	}
}

func New(config Config) *Client {
	if config.URL == "" {
		config.URL = DefaultURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		url:    config.URL,
		logger: config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// URL is the status URL this client queries.
func (c *Client) URL() string { return c.url }

// IsReachable checks that the manager answers on the status URL.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.StatusRaw(ctx)
	if err != nil {
		c.logger.Debug("manager unreachable", "url", c.url, "error", err)
		return false
	}
	return true
}

// StatusRaw returns the status document exactly as served.
func (c *Client) StatusRaw(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("status request failed", "url", c.url, "status", resp.StatusCode)
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return body, nil
}

// Status fetches and decodes the status document.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	body, err := c.StatusRaw(ctx)
	if err != nil {
		return nil, err
	}
	var out StatusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	if out.Services == nil {
		out.Services = map[string]ServiceStatus{}
	}
	return &out, nil
}

// Service returns the entry for one checkout path.
func (c *Client) Service(ctx context.Context, repoPath string) (ServiceStatus, bool, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return ServiceStatus{}, false, err
	}
	s, ok := st.Services[repoPath]
	return s, ok, nil
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true // #nosec G402
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	// #nosec G304
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}
