// Package client talks to a ledgersync server: it enqueues operations, reads queue
// stats and follows the event stream across reconnects.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ledgersync/internal/backoff"
	"ledgersync/internal/dto/resp"
	v1 "ledgersync/pkg/api/v1"
	"ledgersync/pkg/constraints"
	"ledgersync/pkg/logger"

	"go.uber.org/zap"
)

const (
	deviceKeyHeader  = "X-Device-Key"
	heartbeatTimeout = 45 * time.Second
)

var ErrUnauthorized = errors.New("ledgersync: unauthorized")

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledgersync: %d %s", e.Status, e.Message)
}

type Option func(*Client)

// WithToken authenticates REST calls with an access token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithDeviceKey authenticates the event stream as a registered terminal.
func WithDeviceKey(key string) Option {
	return func(c *Client) { c.deviceKey = key }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithReconnect overrides the stream reconnect backoff.
func WithReconnect(base, max time.Duration) Option {
	return func(c *Client) { c.reconnect = backoff.NewPolicy(base, max) }
}

type Client struct {
	addr       string
	token      string
	deviceKey  string
	httpClient *http.Client
	reconnect  backoff.Policy

	mu      sync.RWMutex
	lastSeq int64
	stats   v1.Stats
}

func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:       strings.TrimRight(addr, "/"),
		httpClient: &http.Client{Timeout: 0},
		reconnect:  backoff.NewPolicy(time.Second, 30*time.Second),
		lastSeq:    -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Enqueue(ctx context.Context, req v1.EnqueueRequest) (*v1.EnqueueResult, error) {
	var out v1.EnqueueResult
	if err := c.do(ctx, http.MethodPost, "/v1/operations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Operation(ctx context.Context, id string) (*resp.OperationItem, error) {
	var out resp.OperationItem
	if err := c.do(ctx, http.MethodGet, "/v1/operations/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Stats(ctx context.Context) (*v1.Stats, error) {
	var out v1.Stats
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) TriggerSync(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/sync", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if res.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(res.Body).Decode(&e)
		return &APIError{Status: res.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// LastSeq is the sequence of the newest stream message handled, or -1 before the first.
func (c *Client) LastSeq() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeq
}

// LatestStats is the last stats snapshot received on the stream.
func (c *Client) LatestStats() v1.Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Watch follows the event stream until ctx ends, reconnecting with backoff and
// resuming from the last handled sequence. handle runs on the watch goroutine and
// also receives reset messages, after which earlier results may have been missed.
func (c *Client) Watch(ctx context.Context, handle func(v1.Message)) error {
	failures := 0
	for {
		connected, err := c.watchOnce(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		if connected {
			failures = 0
		}

		delay := c.reconnect.Delay(failures)
		delay += time.Duration(rand.Int63n(int64(delay/2) + 1))
		logger.Warn("event stream disconnected", zap.Error(err), zap.Duration("retry_in", delay))
		failures++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) watchOnce(ctx context.Context, handle func(v1.Message)) (bool, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	target := c.addr + "/v1/stream/watch"
	if seq := c.LastSeq(); seq >= 0 {
		target += "?last_seq=" + strconv.FormatInt(seq, 10)
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.deviceKey != "" {
		req.Header.Set(deviceKeyHeader, c.deviceKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return false, ErrUnauthorized
	case res.StatusCode != http.StatusOK:
		return false, &APIError{Status: res.StatusCode}
	}

	// the server pings on an interval; silence means a dead connection
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	go func() {
		ticker := time.NewTicker(heartbeatTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-reqCtx.Done():
				return
			case <-ticker.C:
				if time.Since(time.Unix(0, lastActivity.Load())) > heartbeatTimeout {
					logger.Warn("event stream heartbeat timeout")
					cancel()
					return
				}
			}
		}
	}()

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var event string
	var data bytes.Buffer
	for scanner.Scan() {
		lastActivity.Store(time.Now().UnixNano())
		line := scanner.Text()
		if line != "" {
			if v, ok := strings.CutPrefix(line, "event:"); ok {
				event = strings.TrimSpace(v)
			} else if v, ok := strings.CutPrefix(line, "data:"); ok {
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimSpace(v))
			}
			continue
		}

		c.dispatch(event, data.Bytes(), handle)
		event = ""
		data.Reset()
	}
	if err := scanner.Err(); err != nil {
		return true, err
	}
	return true, io.EOF
}

func (c *Client) dispatch(event string, data []byte, handle func(v1.Message)) {
	switch event {
	case "", constraints.KindPing:
		return
	case constraints.KindReset:
		logger.Warn("event stream reset, results were missed")
		handle(v1.Message{Kind: constraints.KindReset})
		return
	}

	var msg v1.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Error("failed to decode stream message", zap.String("event", event), zap.Error(err))
		return
	}

	c.mu.Lock()
	if msg.Seq <= c.lastSeq {
		c.mu.Unlock()
		return
	}
	c.lastSeq = msg.Seq
	if msg.Stats != nil {
		c.stats = *msg.Stats
	}
	c.mu.Unlock()

	handle(msg)
}
