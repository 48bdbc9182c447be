// Package discovery looks up the protocol IDs of phone numbers over the
// service's HTTP JSON discovery endpoint.
package discovery

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const lookupPath = "/v1/discovery"

// maxBatch is the largest number of phone numbers sent in one request.
const maxBatch = 1000

type lookupRequest struct {
	Numbers []string `json:"e164s"`
}

type lookupResult struct {
	Number string `json:"e164"`
	ACI    string `json:"aci"`
}

type lookupResponse struct {
	Results []lookupResult `json:"results"`
}

// Client is a discovery client. It satisfies recipient.Discovery.
type Client struct {
	transport *transport
	auth      *BasicAuth
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAuth sets the credentials sent with every lookup.
func WithAuth(username, password string) Option {
	return func(c *Client) { c.auth = &BasicAuth{Username: username, Password: password} }
}

// WithTLSConfig sets the TLS configuration used to reach the service.
func WithTLSConfig(conf *tls.Config) Option {
	return func(c *Client) {
		c.transport.client.Transport = &http.Transport{TLSClientConfig: conf}
	}
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
		c.transport.logger = l
	}
}

// WithRetryBackoff sets the first wait after a rate-limited request that
// carries no Retry-After header. Later waits double.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Client) { c.transport.backoff = d }
}

// NewClient returns a client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	logger := slog.New(slog.DiscardHandler)
	c := &Client{
		transport: newTransport(baseURL, logger),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the protocol IDs of the registered numbers among numbers.
// Unregistered numbers are absent from the result.
func (c *Client) Lookup(ctx context.Context, numbers []string) (map[string]uuid.UUID, error) {
	out := make(map[string]uuid.UUID, len(numbers))
	for start := 0; start < len(numbers); start += maxBatch {
		batch := numbers[start:min(start+maxBatch, len(numbers))]

		var resp lookupResponse
		if _, err := c.transport.postJSON(ctx, lookupPath, lookupRequest{Numbers: batch}, c.auth, &resp); err != nil {
			return nil, err
		}
		for _, r := range resp.Results {
			if r.ACI == "" {
				continue
			}
			id, err := uuid.Parse(r.ACI)
			if err != nil {
				return nil, fmt.Errorf("discovery: bad aci for %s: %w", r.Number, err)
			}
			out[r.Number] = id
		}
	}
	c.logger.Debug("discovery: lookup", "requested", len(numbers), "found", len(out))
	return out, nil
}
