package avr

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// Status endpoint paths served by the receiver's embedded web server.
const (
	statusPath  = "/StatusHandler.asp"
	commandPath = "/EventHandler.asp"
	commandKey  = "WebToHostItem"

	// defaultWebTimeout bounds one status endpoint request.
	defaultWebTimeout = 5 * time.Second

	// maxStatusBody caps the status document size.
	maxStatusBody = 1 << 20
)

// StatusEndpoint talks to the receiver's optional HTTP interface.
type StatusEndpoint struct {
	baseURL string
	client  *http.Client

	requests atomic.Uint64
	failures atomic.Uint64
}

// NewStatusEndpoint creates a client for baseURL (e.g. "http://192.168.1.40").
// A nil httpClient selects one with a 5 second timeout.
func NewStatusEndpoint(baseURL string, httpClient *http.Client) *StatusEndpoint {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultWebTimeout}
	}
	return &StatusEndpoint{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
	}
}

// BaseURL returns the endpoint base URL.
func (s *StatusEndpoint) BaseURL() string {
	return s.baseURL
}

// Probe fetches the status document.
//
// Returns:
//   - []byte: Response body on a 2xx response
//   - error: ErrStatusUnavailable wrapping the cause otherwise
func (s *StatusEndpoint) Probe(ctx context.Context) ([]byte, error) {
	resp, err := s.get(ctx, s.baseURL+statusPath)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	if err != nil {
		s.failures.Add(1)
		return nil, fmt.Errorf("%w: reading body: %w", ErrStatusUnavailable, err)
	}
	return body, nil
}

// SendCommand issues one command through the endpoint.
func (s *StatusEndpoint) SendCommand(ctx context.Context, cmd string) error {
	target := s.baseURL + commandPath + "?" + commandKey + "=" + url.QueryEscape(cmd)
	resp, err := s.get(ctx, target)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// Requests returns the number of requests issued.
func (s *StatusEndpoint) Requests() uint64 {
	return s.requests.Load()
}

// Failures returns the number of failed requests.
func (s *StatusEndpoint) Failures() uint64 {
	return s.failures.Load()
}

// get performs a GET and converts non-2xx responses into errors.
func (s *StatusEndpoint) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStatusUnavailable, err)
	}

	s.requests.Add(1)
	resp, err := s.client.Do(req)
	if err != nil {
		s.failures.Add(1)
		return nil, fmt.Errorf("%w: %w", ErrStatusUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		s.failures.Add(1)
		return nil, fmt.Errorf("%w: status %d", ErrStatusUnavailable, resp.StatusCode)
	}
	return resp, nil
}
