// Package webhook posts transaction outcome notifications to HTTP hooks.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jvs-project/txfs/pkg/logging"
	"github.com/jvs-project/txfs/pkg/model"
)

// EventType is the outcome a hook can subscribe to.
type EventType string

const (
	EventCommitted EventType = "transaction.committed"
	EventAborted   EventType = "transaction.aborted"
	EventInDoubt   EventType = "transaction.in_doubt"
	EventAll       EventType = "*"
)

// EventFor maps a final transaction state to its event.
func EventFor(s model.TransactionState) (EventType, bool) {
	switch s {
	case model.StateCommittedOrCompleted:
		return EventCommitted, true
	case model.StateAborted:
		return EventAborted, true
	case model.StateInDoubt:
		return EventInDoubt, true
	}
	return "", false
}

// Event is the JSON payload posted to hooks.
type Event struct {
	Event       EventType      `json:"event"`
	Timestamp   string         `json:"timestamp"`
	Transaction string         `json:"transaction"`
	Root        string         `json:"root,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// HookConfig is a single endpoint.
type HookConfig struct {
	URL     string      `yaml:"url" json:"url"`
	Secret  string      `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events  []EventType `yaml:"events" json:"events"`
	Enabled bool        `yaml:"enabled" json:"enabled"`
}

// Config configures the notifier.
type Config struct {
	Hooks          []HookConfig  `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay" json:"retry_delay"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	AsyncQueueSize int           `yaml:"async_queue_size" json:"async_queue_size"`
}

// DefaultConfig returns a configuration with no hooks.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:     3,
		RetryDelay:     time.Second,
		Timeout:        10 * time.Second,
		AsyncQueueSize: 100,
	}
}

// Client delivers events, synchronously or through a background queue.
type Client struct {
	config *Config
	http   *http.Client
	logger *logging.Logger
	queue  chan *job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

type job struct {
	event Event
	hook  HookConfig
}

// NewClient starts a client with its background worker.
func NewClient(cfg *Config, logger *logging.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.AsyncQueueSize <= 0 {
		cfg.AsyncQueueSize = DefaultConfig().AsyncQueueSize
	}
	if logger == nil {
		logger = logging.Global()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "webhook"),
		queue:  make(chan *job, cfg.AsyncQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	c.wg.Add(1)
	go c.worker()
	return c
}

func (c *Client) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			for {
				select {
				case j := <-c.queue:
					c.send(j)
				default:
					return
				}
			}
		case j := <-c.queue:
			c.send(j)
		}
	}
}

// Send delivers event to every enabled hook subscribed to it. With async
// the deliveries are queued and dropped if the queue is full.
func (c *Client) Send(event Event, async bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}

	var hooks []HookConfig
	for _, hook := range c.config.Hooks {
		if hook.Enabled && matchesEvent(hook, event.Event) {
			hooks = append(hooks, hook)
		}
	}
	if len(hooks) == 0 {
		return nil
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	if async {
		for _, hook := range hooks {
			select {
			case c.queue <- &job{event: event, hook: hook}:
			default:
				c.logger.Warn("webhook queue full, dropping event", map[string]any{"event": string(event.Event), "url": hook.URL})
			}
		}
		return nil
	}

	var lastErr error
	for _, hook := range hooks {
		if err := c.sendSync(&job{event: event, hook: hook}); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// SendOutcome reports the final state of a transaction. States that are not
// outcomes are ignored.
func (c *Client) SendOutcome(txID, root string, state model.TransactionState, cause error, async bool) error {
	ev, ok := EventFor(state)
	if !ok {
		return nil
	}
	event := Event{Event: ev, Transaction: txID, Root: root}
	if cause != nil {
		event.Error = cause.Error()
	}
	return c.Send(event, async)
}

func (c *Client) send(j *job) {
	if err := c.sendSync(j); err != nil {
		c.logger.WarnErr("webhook delivery failed", err, map[string]any{"url": j.hook.URL})
	}
}

func (c *Client) sendSync(j *job) error {
	payload, err := json.Marshal(j.event)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		req, err := createRequest(j.hook, j.event.Event, payload)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return lastErr
}

func createRequest(hook HookConfig, event EventType, payload []byte) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "txfs-webhook/1.0")
	req.Header.Set("X-Txfs-Event", string(event))
	if hook.Secret != "" {
		req.Header.Set("X-Txfs-Signature", Sign(payload, hook.Secret))
	}
	return req, nil
}

// Sign returns the HMAC-SHA256 signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func matchesEvent(hook HookConfig, event EventType) bool {
	for _, e := range hook.Events {
		if e == event || e == EventAll {
			return true
		}
	}
	return false
}

// Close drains queued deliveries and stops the worker.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}
