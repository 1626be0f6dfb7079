// Package client is a Go SDK that mirrors flag state from a rollgate server
// and evaluates flags locally. It loads a snapshot, then follows the watch
// stream and refetches the snapshot when the server asks for a reset.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rollgate/internal/eval"
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"
	"rollgate/pkg/logger"

	"go.uber.org/zap"
)

const (
	defaultHeartbeatTimeout = 25 * time.Second
	maxBackoff              = 30 * time.Second
)

type Client struct {
	addr       string
	namespaces []string
	token      string
	httpClient *http.Client
	heartbeat  time.Duration
	now        func() time.Time

	mu        sync.RWMutex
	flags     map[string]v1.FlagConfig
	overrides map[string]v1.OverrideEntry
	lastRev   int64

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	done    chan struct{}
}

type Option func(*Client)

// WithToken sends a bearer token with every request.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// WithHeartbeatTimeout sets how long the stream may stay silent before the
// client reconnects. The server pings well within the default.
func WithHeartbeatTimeout(d time.Duration) Option { return func(c *Client) { c.heartbeat = d } }

// New returns a client for addr following namespaces; none follows all.
func New(addr string, namespaces []string, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		addr:       strings.TrimRight(addr, "/"),
		namespaces: namespaces,
		httpClient: &http.Client{Timeout: 0},
		heartbeat:  defaultHeartbeatTimeout,
		now:        time.Now,
		flags:      make(map[string]v1.FlagConfig),
		overrides:  make(map[string]v1.OverrideEntry),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start loads the snapshot and starts following the stream.
func (c *Client) Start() error {
	if err := c.fetchAll(); err != nil {
		return err
	}
	if c.started.CompareAndSwap(false, true) {
		go c.runWatchLoop()
	}
	return nil
}

// Close stops the watch loop and waits for it to exit.
func (c *Client) Close() {
	c.cancel()
	if c.started.Load() {
		<-c.done
	}
}

func (c *Client) Revision() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRev
}

func (c *Client) newRequest(ctx context.Context, path string, q url.Values) (*http.Request, error) {
	if len(c.namespaces) > 0 {
		q.Set("namespace", strings.Join(c.namespaces, ","))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.addr+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) fetchAll() error {
	req, err := c.newRequest(c.ctx, "/api/v1/stream/snapshot", url.Values{})
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error("failed to fetch snapshot", zap.Error(err))
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch snapshot: unexpected status %d", resp.StatusCode)
	}

	var res struct {
		Data      []v1.FlagConfig    `json:"data"`
		Overrides []v1.OverrideEntry `json:"overrides"`
		Revision  int64              `json:"revision"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		logger.Error("failed to decode snapshot", zap.Error(err))
		return err
	}

	flags := make(map[string]v1.FlagConfig, len(res.Data))
	for _, f := range res.Data {
		flags[flagID(f.Namespace, f.Key)] = f
	}
	overrides := make(map[string]v1.OverrideEntry, len(res.Overrides))
	for _, o := range res.Overrides {
		overrides[overrideID(o)] = o
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags, c.overrides, c.lastRev = flags, overrides, res.Revision
	return nil
}

func (c *Client) runWatchLoop() {
	defer close(c.done)
	backoff := time.Second
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if err := c.watchOnce(); err != nil && c.ctx.Err() == nil {
			jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
			logger.Warn("stream disconnected", zap.Error(err), zap.Duration("retry_in", backoff+jitter))
			select {
			case <-time.After(backoff + jitter):
			case <-c.ctx.Done():
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
	}
}

// watchOnce follows one stream connection until it ends, times out or the
// server requests a reset.
func (c *Client) watchOnce() error {
	reqCtx, reqCancel := context.WithCancel(c.ctx)
	defer reqCancel()

	req, err := c.newRequest(reqCtx, "/api/v1/stream/watch", url.Values{"rev": {strconv.FormatInt(c.Revision(), 10)}})
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("watch: unexpected status %d", resp.StatusCode)
	}

	// Watchdog for heartbeats
	lastActivity := atomic.Int64{}
	lastActivity.Store(time.Now().UnixNano())
	go func() {
		ticker := time.NewTicker(c.heartbeat / 5)
		defer ticker.Stop()
		for {
			select {
			case <-reqCtx.Done():
				return
			case <-ticker.C:
				if time.Since(time.Unix(0, lastActivity.Load())) > c.heartbeat {
					logger.Warn("stream heartbeat timeout, reconnecting")
					reqCancel()
					return
				}
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var (
		eventType string
		data      bytes.Buffer
	)
	for scanner.Scan() {
		lastActivity.Store(time.Now().UnixNano())
		line := scanner.Text()
		if line != "" {
			switch {
			case strings.HasPrefix(line, "event:"):
				eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				// multiple data lines are joined by newline
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
			continue
		}

		switch eventType {
		case "reset":
			logger.Warn("received reset event, refetching snapshot")
			if err := c.fetchAll(); err != nil {
				return fmt.Errorf("refetch after reset: %w", err)
			}
			return nil
		case "ping":
		default:
			if data.Len() > 0 {
				var msg v1.Message
				if err := json.Unmarshal(data.Bytes(), &msg); err != nil {
					logger.Error("failed to decode stream message", zap.Error(err))
				} else {
					c.handleUpdate(msg)
				}
			}
		}
		eventType = ""
		data.Reset()
	}
	if reqCtx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("stream closed by server")
}

func (c *Client) handleUpdate(msg v1.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.Revision <= c.lastRev {
		logger.Warn("stale revision received", zap.Int64("msg_rev", msg.Revision), zap.Int64("last_rev", c.lastRev))
		return
	}
	id := flagID(msg.Namespace, msg.Key)
	switch {
	case msg.Kind == constraints.KindFlag && msg.Action == constraints.DELETE:
		delete(c.flags, id)
	case msg.Kind == constraints.KindFlag && msg.Flag != nil:
		c.flags[id] = *msg.Flag
		logger.Debug("flag updated", zap.String("flag", id), zap.Int64("version", msg.Version), zap.Int64("rev", msg.Revision))
	case msg.Kind == constraints.KindOverride && msg.Override != nil:
		if msg.Action == constraints.DELETE {
			delete(c.overrides, overrideID(*msg.Override))
		} else {
			c.overrides[overrideID(*msg.Override)] = *msg.Override
		}
	default:
		logger.Warn("unknown stream message", zap.String("kind", string(msg.Kind)), zap.Int32("action", int32(msg.Action)))
	}
	c.lastRev = msg.Revision
}

// Evaluate resolves one flag against the mirrored state. ok is false when the
// flag is unknown.
func (c *Client) Evaluate(namespace, key string, seeds v1.Seeds, ctx v1.Context) (eval.Result, bool) {
	if seeds.Namespace == "" {
		seeds.Namespace = namespace
	}
	if ctx.Namespace == "" {
		ctx.Namespace = namespace
	}

	c.mu.RLock()
	cfg, ok := c.flags[flagID(namespace, key)]
	var entries []v1.OverrideEntry
	if ok {
		prefix := flagID(namespace, key) + "|"
		for id, o := range c.overrides {
			if strings.HasPrefix(id, prefix) {
				entries = append(entries, o)
			}
		}
	}
	c.mu.RUnlock()

	if !ok {
		logger.Warn("flag not found", zap.String("namespace", namespace), zap.String("key", key))
		return eval.Result{Segment: -1, Reason: constraints.ReasonDefault}, false
	}
	ov := v1.ResolveOverrides(entries, seeds.UserID, namespace, c.now().UnixMilli())
	return eval.Evaluate(&cfg, seeds, ctx, ov, eval.Options{}), true
}

func (c *Client) IsEnabled(namespace, key string, seeds v1.Seeds, ctx v1.Context) bool {
	res, ok := c.Evaluate(namespace, key, seeds, ctx)
	return ok && res.Value.AsBool()
}

func (c *Client) GetString(namespace, key, defaultValue string, seeds v1.Seeds, ctx v1.Context) string {
	res, ok := c.Evaluate(namespace, key, seeds, ctx)
	if !ok || res.Value.Kind() != constraints.TypeString {
		return defaultValue
	}
	return res.Value.AsString()
}

func (c *Client) GetNumber(namespace, key string, defaultValue float64, seeds v1.Seeds, ctx v1.Context) float64 {
	res, ok := c.Evaluate(namespace, key, seeds, ctx)
	if !ok || res.Value.Kind() != constraints.TypeNumber {
		return defaultValue
	}
	return res.Value.AsNumber()
}

func flagID(namespace, key string) string { return namespace + "/" + key }

func overrideID(o v1.OverrideEntry) string {
	return flagID(o.Namespace, o.Flag) + "|" + o.Scope.String()
}
