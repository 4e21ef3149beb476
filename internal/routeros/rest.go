package routeros

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RESTConfig configures the HTTP transport. The device serves its
// configuration tree under /rest with basic authentication.
type RESTConfig struct {
	Host     string
	Username string
	Password string
	UseTLS   bool
	// InsecureSkipVerify accepts the device's self-signed certificate.
	// Most routers ship without a CA-issued one.
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// RESTTransport speaks the structured HTTP dialect.
type RESTTransport struct {
	cfg     RESTConfig
	baseURL string
	client  *http.Client
}

// NewRESTTransport creates an HTTP transport.
func NewRESTTransport(cfg RESTConfig) (*RESTTransport, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("rest transport: host required")
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("rest transport: username required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	scheme := "http"
	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.UseTLS {
		scheme = "https"
		if cfg.InsecureSkipVerify {
			client.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}
		}
	}
	return &RESTTransport{
		cfg:     cfg,
		baseURL: fmt.Sprintf("%s://%s/rest", scheme, cfg.Host),
		client:  client,
	}, nil
}

func (t *RESTTransport) url(path string) string {
	return t.baseURL + "/" + strings.TrimPrefix(path, "/")
}

func (t *RESTTransport) do(ctx context.Context, method, url string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(t.cfg.Username, t.cfg.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: http %s: request failed", ErrUnreachable, method)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnreachable, err)
	}
	if err := classifyRESTStatus(resp.StatusCode, data); err != nil {
		return nil, err
	}
	return data, nil
}

// classifyRESTStatus maps HTTP status codes onto the adapter's error
// taxonomy. The response body message is included except for auth
// failures.
func classifyRESTStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: authentication rejected", ErrUnreachable)
	case status == http.StatusNotFound:
		// A missing record and a missing capability path both come
		// back as 404; the device distinguishes them in the body.
		if strings.Contains(strings.ToLower(string(body)), "no such command") {
			return fmt.Errorf("%w: %s", ErrUnsupported, restErrorDetail(body))
		}
		return fmt.Errorf("%w: %s", ErrNotFound, restErrorDetail(body))
	case status == http.StatusBadRequest:
		detail := restErrorDetail(body)
		if strings.Contains(strings.ToLower(detail), "unknown") {
			return fmt.Errorf("%w: %s", ErrUnsupported, detail)
		}
		return fmt.Errorf("device error: %s", detail)
	default:
		return fmt.Errorf("%w: http status %d", ErrUnreachable, status)
	}
}

func restErrorDetail(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Detail != "" {
			return e.Detail
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return strings.TrimSpace(string(body))
}

// decodeRecords turns the device's JSON into Records. The REST dialect
// reports every value as a string already.
func decodeRecords(data []byte) ([]Record, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var items []map[string]any
	if err := json.Unmarshal(data, &items); err != nil {
		// Some paths (system/identity) return a single object.
		var single map[string]any
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		items = []map[string]any{single}
	}
	records := make([]Record, 0, len(items))
	for _, item := range items {
		rec := make(Record, len(item))
		for k, v := range item {
			switch val := v.(type) {
			case string:
				rec[k] = val
			case bool:
				if val {
					rec[k] = "true"
				} else {
					rec[k] = "false"
				}
			case float64:
				rec[k] = strings.TrimSuffix(fmt.Sprintf("%f", val), ".000000")
			default:
				rec[k] = fmt.Sprintf("%v", val)
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// List implements transport.
func (t *RESTTransport) List(ctx context.Context, path string) ([]Record, error) {
	data, err := t.do(ctx, http.MethodGet, t.url(path), nil)
	if err != nil {
		return nil, err
	}
	return decodeRecords(data)
}

// Add implements transport.
func (t *RESTTransport) Add(ctx context.Context, path string, attrs map[string]string) error {
	_, err := t.do(ctx, http.MethodPost, t.url(path), attrs)
	return err
}

// Set implements transport. Existing records are updated with PATCH;
// POST against a ref creates a sibling on some builds.
func (t *RESTTransport) Set(ctx context.Context, path, ref string, attrs map[string]string) error {
	_, err := t.do(ctx, http.MethodPatch, t.url(path)+"/"+ref, attrs)
	return err
}

// Remove implements transport.
func (t *RESTTransport) Remove(ctx context.Context, path, ref string) error {
	_, err := t.do(ctx, http.MethodDelete, t.url(path)+"/"+ref, nil)
	return err
}

// Close implements transport.
func (t *RESTTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
