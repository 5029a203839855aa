// Package slicer is a typed client for the external slicing service. It
// covers the two operations the orchestrator needs: printability
// auto-rotation and mesh-to-G-code slicing, both with bounded retries.
package slicer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

const (
	// DefaultRotateTimeout is the per-attempt ceiling for auto-rotate calls.
	DefaultRotateTimeout = 120 * time.Second

	// DefaultSliceTimeout is the per-attempt ceiling for slice calls.
	DefaultSliceTimeout = 180 * time.Second

	// DefaultMaxRetries is the default number of attempts per operation.
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the fixed delay between attempts.
	DefaultRetryDelay = 2 * time.Second

	// maxResponseBytes limits response bodies to 200 MB; G-code for a full
	// plate can be large but not unbounded.
	maxResponseBytes = 200 << 20
)

// PermanentError is a non-retryable upstream rejection (HTTP 4xx or an
// explicit validation failure). The detail string comes from the slicer's
// error body.
type PermanentError struct {
	StatusCode int
	Detail     string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("slicer rejected request (HTTP %d): %s", e.StatusCode, e.Detail)
}

// RotationMeta is decoded from the auto-rotate response headers.
type RotationMeta struct {
	Applied        bool       `json:"applied"`
	Degrees        [3]float64 `json:"degrees"`
	ImprovementPct float64    `json:"improvement_pct"`
	ContactArea    float64    `json:"contact_area"`
	OriginalArea   float64    `json:"original_area"`
}

// RotateParams are forwarded to the slicer's orientation search.
type RotateParams struct {
	Method               string
	ImprovementThreshold float64
	MaxIterations        int
	LearningRate         float64
	RotationStep         float64
	MaxRotations         int
}

// Client talks to one slicer service instance.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	maxRetries    int
	retryDelay    time.Duration
	rotateTimeout time.Duration
	sliceTimeout  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithMaxRetries sets the attempt limit per operation.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryDelay sets the fixed delay between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.retryDelay = d
		}
	}
}

// WithTimeouts overrides the per-attempt timeouts.
func WithTimeouts(rotate, slice time.Duration) Option {
	return func(c *Client) {
		if rotate > 0 {
			c.rotateTimeout = rotate
		}
		if slice > 0 {
			c.sliceTimeout = slice
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client (useful for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a slicer client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:       baseURL,
		httpClient:    &http.Client{},
		maxRetries:    DefaultMaxRetries,
		retryDelay:    DefaultRetryDelay,
		rotateTimeout: DefaultRotateTimeout,
		sliceTimeout:  DefaultSliceTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AutoRotateUpload asks the slicer to pre-rotate a mesh for printability.
// It returns the (possibly rotated) mesh bytes and the rotation metadata
// decoded from the response headers. Metadata is nil when the slicer did
// not report a rotation.
func (c *Client) AutoRotateUpload(ctx context.Context, file []byte, filename string, params RotateParams) ([]byte, *RotationMeta, error) {
	fields := map[string]string{
		"method":                defaultString(params.Method, "auto"),
		"improvement_threshold": formatFloat(params.ImprovementThreshold),
		"max_iterations":        strconv.Itoa(params.MaxIterations),
		"learning_rate":         formatFloat(params.LearningRate),
		"rotation_step":         formatFloat(params.RotationStep),
		"max_rotations":         strconv.Itoa(params.MaxRotations),
	}

	var meta *RotationMeta
	body, err := c.postWithRetry(ctx, "/auto-rotate-upload", file, filename, fields, c.rotateTimeout, func(h http.Header) {
		meta = decodeRotationMeta(h)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("auto-rotate %s: %w", filename, err)
	}
	return body, meta, nil
}

// Slice converts mesh bytes to G-code using the pre-registered profile
// identified by jobID.
func (c *Client) Slice(ctx context.Context, file []byte, filename, jobID string) ([]byte, error) {
	fields := map[string]string{"custom_profile": jobID}
	body, err := c.postWithRetry(ctx, "/slice", file, filename, fields, c.sliceTimeout, nil)
	if err != nil {
		return nil, fmt.Errorf("slice %s: %w", filename, err)
	}
	return body, nil
}

// postWithRetry performs a multipart POST with the client's retry policy:
// network errors, timeouts, and HTTP 5xx are retried with a fixed delay;
// 4xx responses surface immediately as PermanentError.
func (c *Client) postWithRetry(ctx context.Context, path string, file []byte, filename string, fields map[string]string, timeout time.Duration, onHeaders func(http.Header)) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		body, headers, err := c.doPost(ctx, path, file, filename, fields, timeout)
		if err != nil {
			var perm *PermanentError
			if errors.As(err, &perm) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if onHeaders != nil {
			onHeaders(headers)
		}
		return body, nil
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", c.maxRetries, lastErr)
}

func (c *Client) doPost(ctx context.Context, path string, file []byte, filename string, fields map[string]string, timeout time.Duration) ([]byte, http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, nil, fmt.Errorf("building multipart form: %w", err)
	}
	if _, err := part.Write(file); err != nil {
		return nil, nil, fmt.Errorf("writing file part: %w", err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, nil, fmt.Errorf("writing form field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, nil, fmt.Errorf("closing multipart form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("POST %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("reading response from %s: %w", path, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, resp.Header, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, nil, &PermanentError{StatusCode: resp.StatusCode, Detail: errorDetail(body)}
	default:
		return nil, nil, fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode, errorDetail(body))
	}
}

// errorDetail extracts a human-readable message from an error body, which
// is either a JSON object with a "detail" field or plain text.
func errorDetail(body []byte) string {
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Detail != "" {
		return payload.Detail
	}
	const limit = 200
	s := string(body)
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}

func decodeRotationMeta(h http.Header) *RotationMeta {
	if h.Get("X-Rotation-Applied") == "" {
		return nil
	}
	meta := &RotationMeta{
		Applied:        h.Get("X-Rotation-Applied") == "true",
		ImprovementPct: parseFloatHeader(h, "X-Improvement-Percentage"),
		ContactArea:    parseFloatHeader(h, "X-Contact-Area"),
		OriginalArea:   parseFloatHeader(h, "X-Original-Area"),
	}
	if raw := h.Get("X-Rotation-Degrees"); raw != "" {
		var degrees []float64
		if err := json.Unmarshal([]byte(raw), &degrees); err == nil && len(degrees) == 3 {
			copy(meta.Degrees[:], degrees)
		}
	}
	return meta
}

func parseFloatHeader(h http.Header, key string) float64 {
	v, _ := strconv.ParseFloat(h.Get(key), 64)
	return v
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
