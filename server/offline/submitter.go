package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// HTTPSubmitter delivers queue items to a remote HTTP endpoint. Requests go
// through a circuit breaker so an unreachable endpoint fails fast instead of
// holding every flush for the full timeout.
type HTTPSubmitter struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     Logger
}

// NewHTTPSubmitter creates a submitter for baseURL.
func NewHTTPSubmitter(baseURL, token string, logger Logger) *HTTPSubmitter {
	s := &HTTPSubmitter{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "crisis-sync",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= MaxConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("Remote endpoint circuit changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return s
}

// SetHTTPClient overrides the HTTP client (useful for testing)
func (s *HTTPSubmitter) SetHTTPClient(c *http.Client) {
	s.httpClient = c
}

// Submit posts the item. Only transient failures count against the breaker;
// a rejected item means the endpoint is healthy. Credential errors are
// transient: the endpoint is misconfigured, not the item.
func (s *HTTPSubmitter) Submit(ctx context.Context, item Item) (Outcome, error) {
	var terminalErr error
	_, err := s.breaker.Execute(func() (interface{}, error) {
		outcome, err := s.post(ctx, item)
		switch outcome {
		case OutcomeSuccess:
			return nil, nil
		case OutcomeTerminal:
			terminalErr = err
			return nil, nil
		default:
			return nil, err
		}
	})

	if terminalErr != nil {
		return OutcomeTerminal, terminalErr
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return OutcomeTransient, fmt.Errorf("remote endpoint unavailable: %w", err)
		}
		return OutcomeTransient, err
	}
	return OutcomeSuccess, nil
}

func (s *HTTPSubmitter) post(ctx context.Context, item Item) (Outcome, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return OutcomeTerminal, fmt.Errorf("failed to marshal item: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/sync/items", bytes.NewReader(body))
	if err != nil {
		return OutcomeTerminal, fmt.Errorf("failed to create submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", item.ID)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return OutcomeTransient, fmt.Errorf("submit request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return OutcomeSuccess, nil
	case resp.StatusCode == http.StatusRequestTimeout:
		return OutcomeTransient, fmt.Errorf("request timeout (HTTP 408)")
	case resp.StatusCode == http.StatusTooManyRequests:
		return OutcomeTransient, fmt.Errorf("rate limit exceeded (HTTP 429)")
	case resp.StatusCode == http.StatusUnauthorized:
		return OutcomeTransient, fmt.Errorf("authentication error (HTTP 401): token invalid or expired")
	case resp.StatusCode == http.StatusForbidden:
		return OutcomeTransient, fmt.Errorf("authorization error (HTTP 403): token lacks access to the sync endpoint")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return OutcomeTerminal, fmt.Errorf("item rejected (HTTP %d)", resp.StatusCode)
	default:
		return OutcomeTransient, fmt.Errorf("server error (HTTP %d)", resp.StatusCode)
	}
}

// Ping checks that the remote endpoint is reachable.
func (s *HTTPSubmitter) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}
	return nil
}

// BreakerState returns the circuit breaker state name.
func (s *HTTPSubmitter) BreakerState() string {
	return s.breaker.State().String()
}
