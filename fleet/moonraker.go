package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	// DefaultInfoTimeout bounds the /printer/info call.
	DefaultInfoTimeout = 5 * time.Second

	// DefaultTemperaturesTimeout bounds the heater query.
	DefaultTemperaturesTimeout = 3 * time.Second

	// DefaultCommandTimeout bounds a G-code script dispatch.
	DefaultCommandTimeout = 5 * time.Second

	// maxPrinterResponseBytes limits controller response bodies.
	maxPrinterResponseBytes = 1 << 20
)

// ClientOption configures a printer Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the transport (useful for testing).
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.http = h
	}
}

// WithTimeouts overrides the per-RPC timeouts.
func WithTimeouts(info, temps, command time.Duration) ClientOption {
	return func(c *Client) {
		c.infoTimeout = info
		c.tempsTimeout = temps
		c.commandTimeout = command
	}
}

// Client talks to one Moonraker-shaped printer controller.
type Client struct {
	baseURL string
	http    *http.Client

	infoTimeout    time.Duration
	tempsTimeout   time.Duration
	commandTimeout time.Duration
}

// NewClient wraps a controller base URL, e.g. "http://10.0.0.12:7125".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:        baseURL,
		http:           &http.Client{},
		infoTimeout:    DefaultInfoTimeout,
		tempsTimeout:   DefaultTemperaturesTimeout,
		commandTimeout: DefaultCommandTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Info fetches the controller identity and Klipper state.
func (c *Client) Info(ctx context.Context) (*PrinterInfo, error) {
	body, err := c.get(ctx, "/printer/info", c.infoTimeout)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Result PrinterInfo `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding printer info: %w", err)
	}
	return &payload.Result, nil
}

// Temperatures queries the extruder and bed heaters.
func (c *Client) Temperatures(ctx context.Context) (*Temperatures, error) {
	body, err := c.get(ctx, "/printer/objects/query?extruder&heater_bed", c.tempsTimeout)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Result struct {
			Status struct {
				Extruder struct {
					Temperature float64 `json:"temperature"`
					Target      float64 `json:"target"`
				} `json:"extruder"`
				HeaterBed struct {
					Temperature float64 `json:"temperature"`
					Target      float64 `json:"target"`
				} `json:"heater_bed"`
			} `json:"status"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding heater query: %w", err)
	}
	return &Temperatures{
		Extruder:       payload.Result.Status.Extruder.Temperature,
		ExtruderTarget: payload.Result.Status.Extruder.Target,
		Bed:            payload.Result.Status.HeaterBed.Temperature,
		BedTarget:      payload.Result.Status.HeaterBed.Target,
	}, nil
}

// Command runs a farm command on the printer as a G-code script.
func (c *Client) Command(ctx context.Context, kind CommandKind) error {
	script, ok := kind.Script()
	if !ok {
		return fmt.Errorf("unknown command %q", kind)
	}

	ctx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()

	target := c.baseURL + "/printer/gcode/script?script=" + url.QueryEscape(script)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", target, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPrinterResponseBytes))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("command %q: status %d", kind, resp.StatusCode)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s%s: %w", c.baseURL, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s%s: status %d", c.baseURL, path, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPrinterResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return body, nil
}
