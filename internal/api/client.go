package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go-civitai-publisher/internal/errdefs"
	"go-civitai-publisher/internal/models"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL = "https://civitai.com"

	trpcPrefix      = "/api/trpc/"
	maxErrorBodyLen = 512
)

// Signer decorates outbound requests with the session credentials.
// MarkInvalid is called once the platform answers UNAUTHORIZED; Sign must fail
// with errdefs.ErrAuth from then on.
type Signer interface {
	Sign(req *http.Request) error
	MarkInvalid()
}

// Client talks to the platform's tRPC and REST endpoints on behalf of one session.
type Client struct {
	HttpClient   *http.Client
	signer       Signer
	baseURL      string
	maxRetries   int
	initialDelay time.Duration
}

// NewClient creates a new API client. Every request is signed by signer.
func NewClient(signer Signer, httpClient *http.Client, cfg models.Config) *Client {
	if httpClient == nil {
		timeout := time.Duration(cfg.APIClientTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	initialDelay := time.Duration(cfg.InitialRetryDelayMs) * time.Millisecond
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	log.Debugf("NewClient called for %s (API logging handled by transport if enabled)", baseURL)

	return &Client{
		HttpClient:   httpClient,
		signer:       signer,
		baseURL:      baseURL,
		maxRetries:   maxRetries,
		initialDelay: initialDelay,
	}
}

// BaseURL returns the platform root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Query calls a read-only tRPC procedure with GET. Transient failures are
// retried with exponential backoff.
func (c *Client) Query(ctx context.Context, procedure string, input any, out any) error {
	reqURL := c.baseURL + trpcPrefix + procedure
	if input != nil {
		encoded, err := EncodeSuperJSON(input)
		if err != nil {
			return errdefs.Wrap(errdefs.ErrValidation, "query", procedure, "encoding input", err)
		}
		reqURL += "?input=" + url.QueryEscape(string(encoded))
	}

	op := func() error {
		err := c.do(ctx, http.MethodGet, reqURL, procedure, nil, out, true)
		if err == nil || errdefs.Retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		if errors.Is(err, errdefs.ErrTransient) {
			log.WithError(err).Warnf("Request to %s failed. Retrying after %s...", procedure, wait)
		}
	}
	return backoff.RetryNotify(op, c.newBackOff(ctx), notify)
}

// Mutate calls a tRPC procedure with POST. Mutations are sent exactly once;
// the caller decides whether a failed create is safe to repeat.
func (c *Client) Mutate(ctx context.Context, procedure string, input any, out any) error {
	body, err := EncodeSuperJSON(input)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrValidation, "mutate", procedure, "encoding input", err)
	}
	return c.do(ctx, http.MethodPost, c.baseURL+trpcPrefix+procedure, procedure, body, out, true)
}

// PostJSON sends a plain JSON body to a REST endpoint under the platform root
// (e.g. /api/upload). Like Mutate it is never retried.
func (c *Client) PostJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrValidation, "post", path, "encoding body", err)
	}
	return c.do(ctx, http.MethodPost, c.baseURL+path, path, body, out, false)
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.initialDelay
	exp.MaxInterval = 30 * time.Second
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.maxRetries)), ctx)
}

func (c *Client) do(ctx context.Context, method, reqURL, procedure string, body []byte, out any, trpc bool) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		log.WithError(err).Errorf("Error creating request for %s", procedure)
		return errdefs.Wrap(errdefs.ErrValidation, "request", procedure, "building request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.signer != nil {
		if err := c.signer.Sign(req); err != nil {
			return err
		}
	}

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return errdefs.Timeout("request", procedure, "timed out", err)
		}
		return errdefs.Wrap(errdefs.ErrTransient, "request", procedure, "http request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		log.WithError(err).Error("Error reading response body")
		return errdefs.Wrap(errdefs.ErrTransient, "request", procedure, "reading response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := parseErrorBody(procedure, resp.StatusCode, data)
		log.Debugf("%s %s failed: %v", method, procedure, apiErr)
		c.checkRejected(apiErr)
		return apiErr
	}
	if !trpc {
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			log.Debugf("Response body causing unmarshal error: %s", truncate(string(data), maxErrorBodyLen))
			return errdefs.Wrap(errdefs.ErrTransient, "response", procedure, "unexpected response body", err)
		}
		return nil
	}
	err = decodeTRPC(procedure, resp.StatusCode, data, out)
	c.checkRejected(err)
	return err
}

// checkRejected invalidates the session when the platform no longer accepts it.
// FORBIDDEN is a missing permission or CSRF token, not a dead session.
func (c *Client) checkRejected(err error) {
	var apiErr *errdefs.APIError
	if c.signer == nil || !errors.As(err, &apiErr) {
		return
	}
	if apiErr.Code == "UNAUTHORIZED" || (apiErr.Code == "" && apiErr.StatusCode == http.StatusUnauthorized) {
		log.Warnf("The platform rejected the session on %s, log in again", apiErr.Procedure)
		c.signer.MarkInvalid()
	}
}

type trpcResponse struct {
	Error  *trpcErrorEnvelope `json:"error"`
	Result *struct {
		Data json.RawMessage `json:"data"`
	} `json:"result"`
}

type trpcErrorEnvelope struct {
	JSON struct {
		Message string `json:"message"`
		Data    struct {
			Code       string `json:"code"`
			Path       string `json:"path"`
			HTTPStatus int    `json:"httpStatus"`
		} `json:"data"`
	} `json:"json"`
}

func (e *trpcErrorEnvelope) apiError(procedure string, status int) *errdefs.APIError {
	apiErr := &errdefs.APIError{
		Procedure:  procedure,
		Code:       e.JSON.Data.Code,
		Message:    e.JSON.Message,
		StatusCode: status,
	}
	if e.JSON.Data.HTTPStatus != 0 {
		apiErr.StatusCode = e.JSON.Data.HTTPStatus
	}
	if e.JSON.Data.Path != "" {
		apiErr.Procedure = e.JSON.Data.Path
	}
	return apiErr
}

func decodeTRPC(procedure string, status int, data []byte, out any) error {
	var resp trpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		log.Debugf("Response body causing unmarshal error: %s", truncate(string(data), maxErrorBodyLen))
		return errdefs.Wrap(errdefs.ErrTransient, "response", procedure, "malformed tRPC response", err)
	}
	if resp.Error != nil {
		return resp.Error.apiError(procedure, status)
	}
	if resp.Result == nil {
		return errdefs.Wrap(errdefs.ErrTransient, "response", procedure, "tRPC response has no result", nil)
	}
	if err := DecodeSuperJSON(resp.Result.Data, out); err != nil {
		return errdefs.Wrap(errdefs.ErrTransient, "response", procedure, "", err)
	}
	return nil
}

func parseErrorBody(procedure string, status int, data []byte) *errdefs.APIError {
	var resp trpcResponse
	if err := json.Unmarshal(data, &resp); err == nil && resp.Error != nil {
		return resp.Error.apiError(procedure, status)
	}
	var plain struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(data))
	if err := json.Unmarshal(data, &plain); err == nil {
		if plain.Message != "" {
			msg = plain.Message
		} else if plain.Error != "" {
			msg = plain.Error
		}
	}
	return &errdefs.APIError{Procedure: procedure, StatusCode: status, Message: truncate(msg, maxErrorBodyLen)}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
