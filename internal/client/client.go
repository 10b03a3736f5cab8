// Package client wraps the remote campaign service endpoints. It holds no
// business rules beyond rejecting requests that are malformed.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/miasma-console/internal/errors"
	"github.com/unclebandit/miasma-console/internal/logging"
)

const DefaultTimeout = 30 * time.Second

// maxErrorBody bounds how much of an error response is read for its detail.
const maxErrorBody = 64 << 10

// Session carries the caller identity explicitly instead of reading it from
// shared storage.
type Session struct {
	BaseURL string
	Token   string
}

type Client struct {
	session Session
	base    *url.URL
	http    *http.Client
	logger  *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http = &http.Client{Timeout: d} }
}

func New(session Session, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(session.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", session.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host required", session.BaseURL)
	}
	c := &Client{
		session: session,
		base:    base,
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Session returns the session the client was built with.
func (c *Client) Session() Session { return c.session }

type errorBody struct {
	Detail any    `json:"detail"`
	Error  string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.session.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.session.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &appErrors.APIError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("remote call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode >= 400 {
		return decodeError(method, path, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(method, path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := strings.TrimSpace(string(raw))

	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil {
		switch d := eb.Detail.(type) {
		case string:
			detail = d
		case nil:
			if eb.Error != "" {
				detail = eb.Error
			}
		default:
			if b, err := json.Marshal(d); err == nil {
				detail = string(b)
			}
		}
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return appErrors.NewValidation("", detail)
	case http.StatusConflict:
		return appErrors.NewPrecondition(strings.ToLower(method)+" "+path, detail)
	}
	return &appErrors.APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Detail: detail}
}

// campaignErr turns a 404 on a campaign path into ErrCampaignNotFound.
func campaignErr(id int, err error) error {
	var apiErr *appErrors.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return appErrors.NewCampaignNotFound(id)
	}
	return err
}
