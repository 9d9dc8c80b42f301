// Package backend is the authenticated client for the document API.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"docchat/internal/config"
	"docchat/internal/logging"
	"docchat/internal/metrics"
	"docchat/internal/models"
)

var (
	ErrNotFound     = errors.New("document not found")
	ErrUnauthorized = errors.New("backend rejected credentials")
	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("document backend unavailable")
)

const maxErrorBody = 64 << 10

// APIError is a non-2xx response from the backend.
type APIError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: backend returned %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: backend returned %d: %s", e.Operation, e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// Client talks to the backend on behalf of every user. It is safe for
// concurrent use; per-user credentials are bound with WithToken.
type Client struct {
	base    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

// New builds a client for cfg.BaseURL.
func New(cfg config.BackendConfig, opts ...Option) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("backend url must be absolute: %q", cfg.BaseURL)
	}
	c := &Client{
		base:   base,
		http:   &http.Client{Timeout: cfg.Timeout()},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(breakerSettings(cfg, c.logger))
	return c, nil
}

func breakerSettings(cfg config.BackendConfig, logger *zap.Logger) gobreaker.Settings {
	failures := cfg.BreakerFailures
	if failures <= 0 {
		failures = 5
	}
	cooldown := 30 * time.Second
	if cfg.BreakerCooldown > 0 {
		cooldown = time.Duration(cfg.BreakerCooldown) * time.Second
	}
	halfOpen := cfg.BreakerHalfOpen
	if halfOpen <= 0 {
		halfOpen = 1
	}
	return gobreaker.Settings{
		Name:        "document-backend",
		MaxRequests: uint32(halfOpen),
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
}

// WithToken returns a session that authenticates every request with token.
func (c *Client) WithToken(token string) *Session {
	return &Session{client: c, token: token}
}

// Session is a Client bound to one user's bearer token.
type Session struct {
	client *Client
	token  string
}

// ListDocuments fetches the full document collection (GET /doc).
func (s *Session) ListDocuments(ctx context.Context) ([]models.Document, error) {
	var docs []models.Document
	if err := s.do(ctx, "list", http.MethodGet, "/doc", &docs); err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []models.Document{}
	}
	return docs, nil
}

// DeleteDocument removes one document (DELETE /doc/{id}). The response body is ignored.
func (s *Session) DeleteDocument(ctx context.Context, documentID string) error {
	if documentID == "" {
		return errors.New("document id is required")
	}
	return s.do(ctx, "delete", http.MethodDelete, "/doc/"+url.PathEscape(documentID), nil)
}

// GetDocument fetches a document with one conversation and a presigned PDF URL.
func (s *Session) GetDocument(ctx context.Context, documentID, conversationID string) (*models.DocumentDetail, error) {
	if documentID == "" || conversationID == "" {
		return nil, errors.New("document id and conversation id are required")
	}
	var detail models.DocumentDetail
	path := "/doc/" + url.PathEscape(documentID) + "/" + url.PathEscape(conversationID)
	if err := s.do(ctx, "get", http.MethodGet, path, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

func (s *Session) do(ctx context.Context, op, method, path string, out interface{}) error {
	c := s.client
	// path is already escaped.
	endpoint := c.base + path

	// 4xx responses must not count against the breaker, so they are carried
	// out of Execute separately.
	var clientErr error
	_, err := c.breaker.Execute(func() (interface{}, error) {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("%s: build request: %w", op, err)
		}
		req.Header.Set("Accept", "application/json")
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			c.metrics.ObserveBackend(op, "transport", time.Since(start))
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		defer resp.Body.Close()
		c.metrics.ObserveBackend(op, strconv.Itoa(resp.StatusCode), time.Since(start))

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := decodeError(op, resp)
			if resp.StatusCode >= 500 {
				return nil, apiErr
			}
			clientErr = apiErr
			return nil, nil
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", op, err)
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	if err != nil {
		c.logger.Debug("backend request failed", zap.String("op", op), zap.String("path", path), zap.Error(err))
		return err
	}
	return clientErr
}

func decodeError(op string, resp *http.Response) *APIError {
	apiErr := &APIError{Operation: op, StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Message != "" && payload.Error != "":
			apiErr.Message = payload.Message + ": " + payload.Error
		case payload.Message != "":
			apiErr.Message = payload.Message
		default:
			apiErr.Message = payload.Error
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
