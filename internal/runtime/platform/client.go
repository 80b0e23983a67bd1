// Package platform is the REST side of the device management platform. The
// agent only needs it to recover operations left EXECUTING while it was
// offline.
package platform

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	derrors "github.com/drblury/deviceflow/internal/runtime/errors"
	"github.com/drblury/deviceflow/internal/runtime/jsoncodec"
	"github.com/drblury/deviceflow/internal/runtime/logging"
)

const (
	StatusExecuting = "EXECUTING"
	StatusFailed    = "FAILED"

	// SerialIdentityType is the external id type devices register under.
	SerialIdentityType = "c8y_Serial"
)

// OperationRef is an operation as listed by the platform.
type OperationRef struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	CreationTime time.Time `json:"creationTime"`
}

// Credentials authenticate one request. A token wins over the password.
type Credentials struct {
	Token    string
	Username string
	Password string
}

// Authenticator resolves credentials per request so token refreshes are
// picked up without rebuilding the client.
type Authenticator func() Credentials

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Retryable reports whether the request may succeed when repeated.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Options configures a Client.
type Options struct {
	BaseURL         string
	PageSize        int
	RequestTimeout  time.Duration
	MaxRetryElapsed time.Duration
	// MaxAttempts bounds the attempts per request. Zero means unbounded
	// within MaxRetryElapsed.
	MaxAttempts     uint
	InsecureSkipTLS bool

	Auth Authenticator
	// NewBackOff returns the retry schedule for one request. Defaults to
	// exponential backoff.
	NewBackOff func() backoff.BackOff
	HTTPClient *http.Client
	Logger     logging.Logger
}

// Client talks to the platform REST API.
type Client struct {
	base   *url.URL
	opts   Options
	http   *http.Client
	logger logging.Logger
}

// New creates a client for opts.BaseURL.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("platform: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("platform: base url: %w", err)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MaxRetryElapsed <= 0 {
		opts.MaxRetryElapsed = time.Minute
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	if opts.Auth == nil {
		opts.Auth = func() Credentials { return Credentials{} }
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	client := opts.HTTPClient
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.InsecureSkipTLS {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for lab platforms
		}
		client = &http.Client{Transport: transport, Timeout: opts.RequestTimeout}
	}

	return &Client{
		base:   base,
		opts:   opts,
		http:   client,
		logger: opts.Logger.With(logging.LogFields{"component": "platform"}),
	}, nil
}

// ResolveDeviceIdentity maps the device serial to the platform's managed
// object id. A missing identity yields ErrDeviceNotFound.
func (c *Client) ResolveDeviceIdentity(ctx context.Context, serial string) (string, error) {
	var out struct {
		ManagedObject struct {
			ID string `json:"id"`
		} `json:"managedObject"`
	}
	path := "/identity/externalIds/" + SerialIdentityType + "/" + url.PathEscape(serial)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		var status *StatusError
		if errors.As(err, &status) && status.Code == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s", derrors.ErrDeviceNotFound, serial)
		}
		return "", err
	}
	if out.ManagedObject.ID == "" {
		return "", fmt.Errorf("%w: %s", derrors.ErrDeviceNotFound, serial)
	}
	return out.ManagedObject.ID, nil
}

// ListExecutingOperations returns the operations of deviceID that are still
// EXECUTING.
func (c *Client) ListExecutingOperations(ctx context.Context, deviceID string) ([]OperationRef, error) {
	var out struct {
		Operations []OperationRef `json:"operations"`
	}
	query := url.Values{
		"deviceId": {deviceID},
		"status":   {StatusExecuting},
		"pageSize": {strconv.Itoa(c.opts.PageSize)},
	}
	if err := c.do(ctx, http.MethodGet, "/devicecontrol/operations", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Operations, nil
}

// FailOperation moves ref to FAILED with reason.
func (c *Client) FailOperation(ctx context.Context, ref OperationRef, reason string) error {
	body := map[string]string{"status": StatusFailed, "failureReason": reason}
	return c.do(ctx, http.MethodPut, "/devicecontrol/operations/"+url.PathEscape(ref.ID), nil, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = jsoncodec.Marshal(in); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	target := *c.base
	target.Path += path
	target.RawQuery = query.Encode()

	attempt := 0
	operation := func() ([]byte, error) {
		attempt++
		body, err := c.roundTrip(ctx, method, target.String(), payload)
		if err == nil {
			return body, nil
		}
		var status *StatusError
		if errors.As(err, &status) {
			status.Path = path
			if !status.Retryable() {
				return nil, backoff.Permanent(err)
			}
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		c.logger.Debug("Request failed, retrying", logging.LogFields{"method": method, "path": path, "attempt": attempt, "error": err.Error()})
		return nil, err
	}

	retry := []backoff.RetryOption{
		backoff.WithBackOff(c.opts.NewBackOff()),
		backoff.WithMaxElapsedTime(c.opts.MaxRetryElapsed),
	}
	if c.opts.MaxAttempts > 0 {
		retry = append(retry, backoff.WithMaxTries(c.opts.MaxAttempts))
	}
	body, err := backoff.Retry(ctx, operation, retry...)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := jsoncodec.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Method: method, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if resp.StatusCode == http.StatusTooManyRequests {
			if seconds, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && seconds > 0 {
				return nil, errors.Join(statusErr, backoff.RetryAfter(seconds))
			}
		}
		return nil, statusErr
	}
	return body, nil
}

func (c *Client) authorize(req *http.Request) {
	creds := c.opts.Auth()
	switch {
	case creds.Token != "":
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	case creds.Username != "":
		req.SetBasicAuth(creds.Username, creds.Password)
	}
}
