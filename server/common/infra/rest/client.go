package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultHTTPTimeout      = 15 * time.Second
	defaultFailThreshold    = 3
	defaultEndpointCooldown = 10 * time.Second
	maxErrorBodyBytes       = 4 << 10
)

var (
	ErrUnauthorized     = errors.New("rest: unauthorized")
	ErrNotConfigured    = errors.New("rest: api endpoint is not configured")
	ErrAllEndpointsDown = errors.New("rest: all endpoints cooling down")
)

// StatusError is a non-2xx answer that is neither an auth failure nor retryable.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rest: status %d", e.Code)
	}
	return fmt.Sprintf("rest: status %d: %s", e.Code, e.Message)
}

type Options struct {
	Timeout          time.Duration
	FailThreshold    int
	EndpointCooldown time.Duration
	HTTPClient       *http.Client
}

type Client struct {
	endpoints []string
	http      *http.Client
	next      uint32

	failThreshold    int
	endpointCooldown time.Duration

	mu         sync.Mutex
	failureCnt map[string]int
	cooldownTo map[string]time.Time
}

func NewClient(opts Options, endpoints ...string) *Client {
	normalized := normalizeEndpoints(endpoints)
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	failThreshold := opts.FailThreshold
	if failThreshold <= 0 {
		failThreshold = defaultFailThreshold
	}
	cooldown := opts.EndpointCooldown
	if cooldown <= 0 {
		cooldown = defaultEndpointCooldown
	}
	return &Client{
		endpoints:        normalized,
		http:             httpClient,
		failThreshold:    failThreshold,
		endpointCooldown: cooldown,
		failureCnt:       make(map[string]int, len(normalized)),
		cooldownTo:       make(map[string]time.Time, len(normalized)),
	}
}

// Request describes one call. Body is JSON-encoded unless Multipart is set.
type Request struct {
	Method    string
	Path      string
	Token     string
	Body      any
	Multipart *Multipart
}

type Multipart struct {
	Fields   map[string]string
	FileForm string
	FileName string
	File     []byte
}

func (c *Client) Do(ctx context.Context, r Request, out any) error {
	if len(c.endpoints) == 0 {
		return ErrNotConfigured
	}
	body, contentType, err := encodeBody(r)
	if err != nil {
		return err
	}
	path := r.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	start := int(atomic.AddUint32(&c.next, 1)-1) % len(c.endpoints)
	var lastErr error
	for offset := 0; offset < len(c.endpoints); offset++ {
		endpoint := c.endpoints[(start+offset)%len(c.endpoints)]
		if c.isCoolingDown(endpoint, time.Now()) {
			continue
		}
		req, reqErr := http.NewRequestWithContext(ctx, r.Method, endpoint+path, bytes.NewReader(body))
		if reqErr != nil {
			return reqErr
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")
		if token := strings.TrimSpace(r.Token); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, doErr := c.http.Do(req)
		if doErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("rest request failed endpoint=%s: %w", endpoint, doErr)
			c.onFailure(endpoint, time.Now())
			continue
		}

		if resp.StatusCode >= 500 {
			msg := readErrorMessage(resp.Body)
			_ = resp.Body.Close()
			lastErr = &StatusError{Code: resp.StatusCode, Message: msg}
			c.onFailure(endpoint, time.Now())
			continue
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			msg := readErrorMessage(resp.Body)
			_ = resp.Body.Close()
			c.onSuccess(endpoint)
			if msg == "" {
				return ErrUnauthorized
			}
			return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
		}
		if resp.StatusCode >= 300 {
			msg := readErrorMessage(resp.Body)
			_ = resp.Body.Close()
			c.onSuccess(endpoint)
			return &StatusError{Code: resp.StatusCode, Message: msg}
		}

		var decodeErr error
		if out != nil {
			decodeErr = json.NewDecoder(resp.Body).Decode(out)
		}
		_ = resp.Body.Close()
		if decodeErr != nil {
			return fmt.Errorf("rest decode %s %s: %w", r.Method, path, decodeErr)
		}
		c.onSuccess(endpoint)
		return nil
	}

	if lastErr == nil {
		return ErrAllEndpointsDown
	}
	return lastErr
}

func encodeBody(r Request) ([]byte, string, error) {
	if r.Multipart != nil {
		buf := &bytes.Buffer{}
		w := multipart.NewWriter(buf)
		for name, value := range r.Multipart.Fields {
			if err := w.WriteField(name, value); err != nil {
				return nil, "", err
			}
		}
		if r.Multipart.FileForm != "" {
			part, err := w.CreateFormFile(r.Multipart.FileForm, r.Multipart.FileName)
			if err != nil {
				return nil, "", err
			}
			if _, err := part.Write(r.Multipart.File); err != nil {
				return nil, "", err
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), w.FormDataContentType(), nil
	}
	if r.Body == nil {
		return nil, "", nil
	}
	b, err := json.Marshal(r.Body)
	if err != nil {
		return nil, "", err
	}
	return b, "application/json", nil
}

func readErrorMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBodyBytes))
	var eb struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &eb); err == nil && strings.TrimSpace(eb.Error) != "" {
		return strings.TrimSpace(eb.Error)
	}
	return strings.TrimSpace(string(raw))
}

// IsTransient reports whether err is worth retrying later (network trouble or 5xx).
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrUnauthorized) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests || se.Code == http.StatusRequestTimeout
	}
	return true
}

func normalizeEndpoints(endpoints []string) []string {
	result := make([]string, 0, len(endpoints))
	seen := map[string]struct{}{}
	for _, endpoint := range endpoints {
		normalized := strings.TrimRight(strings.TrimSpace(endpoint), "/")
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return result
}

func (c *Client) isCoolingDown(endpoint string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldownTo[endpoint]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(c.cooldownTo, endpoint)
		return false
	}
	return true
}

func (c *Client) onFailure(endpoint string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := c.failureCnt[endpoint] + 1
	c.failureCnt[endpoint] = count
	if count >= c.failThreshold {
		c.cooldownTo[endpoint] = now.Add(c.endpointCooldown)
		c.failureCnt[endpoint] = 0
	}
}

func (c *Client) onSuccess(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCnt[endpoint] = 0
	delete(c.cooldownTo, endpoint)
}
