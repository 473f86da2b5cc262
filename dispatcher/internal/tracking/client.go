package tracking

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fleet-dispatch-dashboard/dispatcher/internal/models"
	"fleet-dispatch-dashboard/shared/config"
	"fleet-dispatch-dashboard/shared/metricsx"
)

const maxResponseBytes = 16 << 20

// Client talks to the fleet tracking provider. Every call makes exactly one
// attempt; callers own any retry policy.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

type Options struct {
	BaseURL   string
	Username  string
	Password  string
	Timeout   time.Duration
	Transport http.RoundTripper
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("tracking api url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("tracking api url: %w", err)
	}
	if opts.Username == "" || opts.Password == "" {
		return nil, errors.New("tracking credentials required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rt := opts.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &Client{
		baseURL:  base,
		username: opts.Username,
		password: opts.Password,
		http: &http.Client{
			Timeout: timeout,
			Transport: otelhttp.NewTransport(rt, otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return "tracking " + r.Method
			})),
		},
	}, nil
}

func NewFromConfig(cfg config.Config) (*Client, error) {
	return New(Options{
		BaseURL:  cfg.TrackingAPIURL,
		Username: cfg.TrackingUsername,
		Password: cfg.TrackingPassword,
		Timeout:  cfg.TrackingTimeout(),
	})
}

type ActivityQuery struct {
	LatestRecordID int64
	Devices        []string
	Types          []string
}

func (c *Client) Devices(ctx context.Context) ([]models.Device, error) {
	raw, err := c.do(ctx, "devices", http.MethodGet, "devices", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[models.Device]("devices", raw, "devices")
}

func (c *Client) Positions(ctx context.Context) ([]models.Position, error) {
	raw, err := c.do(ctx, "positions", http.MethodGet, "positions", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[models.Position]("positions", raw, "positions")
}

// Activities returns records newer than q.LatestRecordID. Use -1 for all.
func (c *Client) Activities(ctx context.Context, q ActivityQuery) ([]models.Activity, error) {
	params := url.Values{}
	params.Set("latestRecordId", strconv.FormatInt(q.LatestRecordID, 10))
	if len(q.Devices) > 0 {
		params.Set("devices", strings.Join(q.Devices, ";"))
	}
	if len(q.Types) > 0 {
		params.Set("types", strings.Join(q.Types, ";"))
	}
	raw, err := c.do(ctx, "activities", http.MethodGet, "activities", params, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[models.Activity]("activities", raw, "activities")
}

func (c *Client) DeviceTasks(ctx context.Context, deviceNumber string) ([]models.Task, error) {
	if err := requireDevice(deviceNumber); err != nil {
		return nil, err
	}
	raw, err := c.do(ctx, "tasks", http.MethodGet, "tasks/"+url.PathEscape(deviceNumber)+"/trip", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[models.Task]("tasks", raw, "tasks")
}

// ActiveTask returns nil when the device has no task in progress.
func (c *Client) ActiveTask(ctx context.Context, deviceNumber string) (*models.Task, error) {
	if err := requireDevice(deviceNumber); err != nil {
		return nil, err
	}
	raw, err := c.do(ctx, "active_task", http.MethodGet, "tasks/"+url.PathEscape(deviceNumber)+"/active", nil, nil)
	if err != nil {
		return nil, err
	}
	raw = unwrap(raw, "task")
	if isEmpty(raw) {
		return nil, nil
	}
	var task models.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, &TransportError{Op: "active_task", Err: fmt.Errorf("decode: %w", err)}
	}
	return &task, nil
}

// AddTask appends a task to the end of the device's trip.
func (c *Client) AddTask(ctx context.Context, deviceNumber string, task models.Task) (json.RawMessage, error) {
	if err := requireDevice(deviceNumber); err != nil {
		return nil, err
	}
	if err := ValidateTask(task); err != nil {
		return nil, err
	}
	return c.do(ctx, "add_task", http.MethodPost, "tasks/"+url.PathEscape(deviceNumber)+"/last", nil, task)
}

func (c *Client) DeletePendingTasks(ctx context.Context, deviceNumber string) (json.RawMessage, error) {
	if err := requireDevice(deviceNumber); err != nil {
		return nil, err
	}
	return c.do(ctx, "delete_pending", http.MethodDelete, "tasks/"+url.PathEscape(deviceNumber)+"/pending", nil, nil)
}

func (c *Client) SendMessage(ctx context.Context, deviceNumber string, message string) (json.RawMessage, error) {
	if err := requireDevice(deviceNumber); err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		return nil, &ValidationError{Field: "message", Message: "must not be empty"}
	}
	body := struct {
		Message string `json:"message"`
	}{Message: message}
	return c.do(ctx, "send_message", http.MethodPost, "messages/"+url.PathEscape(deviceNumber), nil, body)
}

func (c *Client) PeriodSummary(ctx context.Context, deviceNumber string, from time.Time, to time.Time) (json.RawMessage, error) {
	if err := requireDevice(deviceNumber); err != nil {
		return nil, err
	}
	if !from.Before(to) {
		return nil, &ValidationError{Field: "from", Message: "must be before to"}
	}
	params := url.Values{}
	params.Set("from", strconv.FormatInt(from.UnixMilli(), 10))
	params.Set("to", strconv.FormatInt(to.UnixMilli(), 10))
	raw, err := c.do(ctx, "period_summary", http.MethodGet, "reports/period-summary/"+url.PathEscape(deviceNumber), params, nil)
	if err != nil {
		return nil, err
	}
	return unwrap(raw, "summary"), nil
}

func (c *Client) FleetState(ctx context.Context) (json.RawMessage, error) {
	raw, err := c.do(ctx, "fleet_state", http.MethodGet, "fleet/state", nil, nil)
	if err != nil {
		return nil, err
	}
	return unwrap(raw, "state"), nil
}

func (c *Client) DeviceGroups(ctx context.Context) (json.RawMessage, error) {
	raw, err := c.do(ctx, "device_groups", http.MethodGet, "devices/groups", nil, nil)
	if err != nil {
		return nil, err
	}
	return unwrap(raw, "groups"), nil
}

func (c *Client) TachographsState(ctx context.Context) (json.RawMessage, error) {
	raw, err := c.do(ctx, "tachographs", http.MethodGet, "tachographs/state", nil, nil)
	if err != nil {
		return nil, err
	}
	return unwrap(raw, "tachographsState"), nil
}

// ValidateTask checks the fields the provider requires for a new task.
func ValidateTask(task models.Task) error {
	if strings.TrimSpace(task.LocationAddress) == "" {
		return &ValidationError{Field: "locationAddress", Message: "is required"}
	}
	if lat := task.LocationLatitude; lat != nil && (*lat < -90 || *lat > 90) {
		return &ValidationError{Field: "locationLatitude", Message: "must be between -90 and 90"}
	}
	if lng := task.LocationLongitude; lng != nil && (*lng < -180 || *lng > 180) {
		return &ValidationError{Field: "locationLongitude", Message: "must be between -180 and 180"}
	}
	return nil
}

func requireDevice(deviceNumber string) error {
	if strings.TrimSpace(deviceNumber) == "" {
		return &ValidationError{Field: "deviceNumber", Message: "is required"}
	}
	return nil
}

func (c *Client) do(ctx context.Context, kind string, method string, path string, params url.Values, body any) (json.RawMessage, error) {
	if c == nil || c.http == nil {
		return nil, &TransportError{Op: kind, Err: errors.New("client not initialized")}
	}
	start := time.Now()
	raw, err := c.roundTrip(ctx, kind, method, path, params, body)
	metricsx.ObserveUpstream(kind, outcome(err), time.Since(start))
	return raw, err
}

func (c *Client) roundTrip(ctx context.Context, kind string, method string, path string, params url.Values, body any) (json.RawMessage, error) {
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("password", c.password)
	target := c.baseURL + "/" + url.PathEscape(c.username) + "/" + path + "?" + q.Encode()

	var reader io.Reader
	if body != nil {
		payload, err := withPassword(body, c.password)
		if err != nil {
			return nil, &ValidationError{Field: "body", Message: err.Error()}
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, &TransportError{Op: kind, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: kind, Err: redact(err, c.password)}
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Op: kind, Err: err}
	}

	if ue := errorBody(resp.StatusCode, b); ue != nil {
		return nil, ue
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		desc := strings.TrimSpace(string(b))
		if len(desc) > 256 || desc == "" {
			desc = http.StatusText(resp.StatusCode)
		}
		return nil, &UpstreamError{Status: resp.StatusCode, Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Description: desc}
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(b) {
		return nil, &TransportError{Op: kind, Err: errors.New("response is not valid json")}
	}
	return json.RawMessage(b), nil
}

// errorBody detects the provider's errorCode/errorDescription convention.
// A zero or empty code is not an error.
func errorBody(status int, b []byte) *UpstreamError {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return nil
	}
	var env struct {
		ErrorCode        models.FlexString `json:"errorCode"`
		ErrorDescription string            `json:"errorDescription"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return nil
	}
	code := string(env.ErrorCode)
	if code == "" || code == "0" || code == "false" {
		if env.ErrorDescription != "" && status >= 300 {
			return &UpstreamError{Status: status, Code: "HTTP_" + strconv.Itoa(status), Description: env.ErrorDescription}
		}
		return nil
	}
	return &UpstreamError{Status: status, Code: code, Description: env.ErrorDescription}
}

func withPassword(body any, password string) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return b, nil
	}
	pw, _ := json.Marshal(password)
	fields["password"] = pw
	return json.Marshal(fields)
}

// redact strips the password from errors that echo the request URL.
func redact(err error, password string) error {
	if password == "" {
		return err
	}
	msg := err.Error()
	escaped := url.QueryEscape(password)
	if !strings.Contains(msg, escaped) && !strings.Contains(msg, password) {
		return err
	}
	msg = strings.ReplaceAll(msg, escaped, "REDACTED")
	msg = strings.ReplaceAll(msg, password, "REDACTED")
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return timeoutError{msg: msg}
	}
	return errors.New(msg)
}

type timeoutError struct{ msg string }

func (e timeoutError) Error() string { return e.msg }
func (e timeoutError) Timeout() bool { return true }

// decodeList accepts either a bare array or an object holding the array
// under key. An empty body or null list is empty; any other shape is a
// TransportError so callers keep their last good copy.
func decodeList[T any](op string, raw json.RawMessage, key string) ([]T, error) {
	raw = unwrap(raw, key)
	if isEmpty(raw) {
		return []T{}, nil
	}
	trimmed := bytes.TrimSpace(raw)
	if trimmed[0] != '[' {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("decode: expected array under %q", key)}
	}
	var out []T
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("decode: %w", err)}
	}
	return out, nil
}

// unwrap returns raw[key] when raw is an object carrying key, else raw.
func unwrap(raw json.RawMessage, key string) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return raw
	}
	if v, ok := obj[key]; ok {
		return v
	}
	return raw
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsUpstream(err):
		return "upstream_error"
	case IsValidation(err):
		return "invalid"
	default:
		return "transport_error"
	}
}
