// Package client talks to the upstream IoT platform API.
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
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"iotconsole/models"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4 << 10
)

var ErrNoDevice = errors.New("response carried no device")

// Error is a non-2xx reply from the platform.
type Error struct {
	Op      string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

type Config struct {
	BaseURL string
	// Token is the bearer credential. An empty token is sent as is; the
	// platform decides whether to accept the request.
	Token   string
	Timeout time.Duration
	HTTP    *http.Client
	Logger  zerolog.Logger
}

type Client struct {
	base  string
	token string
	h     *http.Client
	log   zerolog.Logger
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("api base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}

	h := cfg.HTTP
	if h == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		h = &http.Client{Timeout: timeout}
	}

	return &Client{base: base, token: cfg.Token, h: h, log: cfg.Logger}, nil
}

func (c *Client) ListDevices(ctx context.Context) ([]models.Device, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "list devices", http.MethodGet, "/devices", nil, nil, &raw); err != nil {
		return nil, err
	}
	var devices []models.Device
	if err := unwrapList(raw, &devices, "devices"); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

func (c *Client) GetDevice(ctx context.Context, id string) (models.Device, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "get device", http.MethodGet, "/devices/"+url.PathEscape(id), nil, nil, &raw); err != nil {
		return models.Device{}, err
	}

	var env struct {
		Device json.RawMessage `json:"device"`
	}
	if isObject(raw) {
		if err := json.Unmarshal(raw, &env); err != nil {
			return models.Device{}, fmt.Errorf("get device: %w", err)
		}
	}
	if isObject(env.Device) {
		raw = env.Device
	}
	if !isObject(raw) {
		return models.Device{}, ErrNoDevice
	}

	var d models.Device
	if err := json.Unmarshal(raw, &d); err != nil {
		return models.Device{}, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// GetTelemetry fetches up to limit history rows in whatever order the
// platform returns them.
func (c *Client) GetTelemetry(ctx context.Context, id string, limit int) ([]*models.TelemetrySnapshot, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var raw json.RawMessage
	if err := c.do(ctx, "get telemetry", http.MethodGet, "/devices/"+url.PathEscape(id)+"/telemetry", q, nil, &raw); err != nil {
		return nil, err
	}
	var rows []*models.TelemetrySnapshot
	if err := unwrapList(raw, &rows, "telemetry", "items"); err != nil {
		return nil, fmt.Errorf("get telemetry: %w", err)
	}
	return rows, nil
}

func (c *Client) SendControl(ctx context.Context, id string, req models.ControlRequest) error {
	return c.do(ctx, "send control", http.MethodPost, "/devices/"+url.PathEscape(id)+"/control", nil, req, nil)
}

func (c *Client) ListSchedules(ctx context.Context, deviceID string) ([]models.ScheduleDefinition, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "list schedules", http.MethodGet, schedulesPath(deviceID), nil, nil, &raw); err != nil {
		return nil, err
	}
	var list []models.ScheduleDefinition
	if err := unwrapList(raw, &list, "schedules", "items"); err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return list, nil
}

func (c *Client) CreateSchedule(ctx context.Context, deviceID string, s models.SchedulePayload) error {
	return c.do(ctx, "create schedule", http.MethodPost, schedulesPath(deviceID), nil, s, nil)
}

func (c *Client) UpdateSchedule(ctx context.Context, id string, s models.SchedulePayload) error {
	return c.do(ctx, "update schedule", http.MethodPut, "/schedules/"+url.PathEscape(id), nil, s, nil)
}

// SetScheduleEnabled sends a partial update carrying only the enabled flag.
func (c *Client) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	body := map[string]bool{"enabled": enabled}
	return c.do(ctx, "update schedule", http.MethodPut, "/schedules/"+url.PathEscape(id), nil, body, nil)
}

func (c *Client) DeleteSchedule(ctx context.Context, id string) error {
	return c.do(ctx, "delete schedule", http.MethodDelete, "/schedules/"+url.PathEscape(id), nil, nil, nil)
}

func schedulesPath(deviceID string) string {
	return "/schedules/devices/" + url.PathEscape(deviceID) + "/schedules"
}

func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, body, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.h.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("Upstream request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &Error{Op: op, Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, b)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

// errorMessage prefers the platform's own message or error field.
func errorMessage(status int, body []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return "HTTP " + strconv.Itoa(status)
}

// unwrapList decodes a bare array or the first array found under one of
// the envelope keys. Anything else yields an empty list.
func unwrapList(raw json.RawMessage, out any, keys ...string) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		return json.Unmarshal(raw, out)
	}
	if !isObject(raw) {
		return nil
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	for _, k := range keys {
		v := bytes.TrimSpace(env[k])
		if len(v) > 0 && v[0] == '[' {
			return json.Unmarshal(v, out)
		}
	}
	return nil
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
