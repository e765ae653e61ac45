// Package client talks to a netgraph server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	nerrors "github.com/tsawler/go-netgraph/errors"
	"github.com/tsawler/go-netgraph/server"
)

// Config contains the client settings.
type Config struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// DefaultConfig points at a local server.
func DefaultConfig() Config {
	return Config{
		BaseURL:       "http://localhost:8000",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

// ProgressFunc is called as the request body is sent with the bytes sent
// so far and the total body size.
type ProgressFunc func(sent, total int64)

// Client sends images to a server.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *log.Logger
}

// New creates a client. A nil logger uses log.Default().
func New(cfg Config, logger *log.Logger) *Client {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// StatusError is a non-2xx reply. Code carries the server error code when
// the reply had one.
type StatusError struct {
	StatusCode int
	Code       nerrors.Code
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server replied %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server replied %d: %s", e.StatusCode, e.Message)
}

// temporary reports whether the request may be sent again. A request that
// is not idempotent is only retried when the server did not act on it.
func (e *StatusError) temporary(idempotent bool) bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusServiceUnavailable:
		return true
	case idempotent:
		return e.StatusCode >= 500
	default:
		return false
	}
}

// CheckHealth fails unless /healthz answers 200.
func (c *Client) CheckHealth(ctx context.Context) error {
	_, err := c.do(ctx, true, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/healthz", nil)
	})
	return err
}

// Upload sends the file at path with a description and returns the
// server's acknowledgement.
func (c *Client) Upload(ctx context.Context, description, path string, progress ProgressFunc) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nerrors.Wrap(nerrors.ErrCodeNotFound, err, "file %s not found", path)
		}
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return c.UploadBytes(ctx, description, filepath.Base(path), data, progress)
}

// UploadBytes is Upload for in-memory data.
func (c *Client) UploadBytes(ctx context.Context, description, filename string, data []byte, progress ProgressFunc) (string, error) {
	body, contentType, err := encodeForm(map[string]string{"description": description}, filename, data)
	if err != nil {
		return "", err
	}
	reply, err := c.post(ctx, "/upload", body, contentType, false, progress)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(reply)), nil
}

// Predict sends the image at path to /predict.
func (c *Client) Predict(ctx context.Context, path string) (*server.Prediction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nerrors.Wrap(nerrors.ErrCodeNotFound, err, "file %s not found", path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	body, contentType, err := encodeForm(nil, filepath.Base(path), data)
	if err != nil {
		return nil, err
	}
	reply, err := c.post(ctx, "/predict", body, contentType, true, nil)
	if err != nil {
		return nil, err
	}
	var p server.Prediction
	if err := json.Unmarshal(reply, &p); err != nil {
		return nil, fmt.Errorf("failed to decode prediction: %w", err)
	}
	return &p, nil
}

func encodeForm(fields map[string]string, filename string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("failed to write form field %s: %w", k, err)
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, filename))
	h.Set("Content-Type", http.DetectContentType(data))
	fw, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, "", fmt.Errorf("failed to write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close form: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, contentType string, idempotent bool, progress ProgressFunc) ([]byte, error) {
	return c.do(ctx, idempotent, func() (*http.Request, error) {
		var r io.Reader = bytes.NewReader(body)
		if progress != nil {
			r = &progressReader{r: r, total: int64(len(body)), fn: progress}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, r)
		if err != nil {
			return nil, err
		}
		req.ContentLength = int64(len(body))
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
}

// do sends the request built by newReq, retrying network failures, 429 and
// 503. Other server errors are retried only for idempotent requests, since
// an upload that failed with a 500 may already be stored. Client errors are
// returned at once.
func (c *Client) do(ctx context.Context, idempotent bool, newReq func() (*http.Request, error)) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.RetryAttempts; attempt++ {
		req, err := newReq()
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP request: %w", err)
		}
		req.Header.Set("User-Agent", "go-netgraph")

		reply, err := c.send(req)
		if err == nil {
			return reply, nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.temporary(idempotent) {
			return nil, err
		}
		lastErr = err
		c.logger.Debug("request failed", "url", req.URL.String(), "attempt", attempt+1, "err", err)

		if attempt < c.cfg.RetryAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
		}
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.cfg.RetryAttempts, lastErr)
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			se.Message, se.Code = e.Error, nerrors.Code(e.Code)
		}
		return nil, se
	}
	return body, nil
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}
