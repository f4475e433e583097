// Package events implements an async, buffered audit event emitter that
// posts whitelist changes to an external HTTP receiver (webhook pattern).
// Events are batched and flushed at configurable intervals. The emitter is
// optional and never blocks the request path.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/whitelistd/whitelistd/internal/config"
	"github.com/whitelistd/whitelistd/internal/observability"
	"github.com/whitelistd/whitelistd/internal/whitelist"
)

// Event types.
const (
	TypeAuthorized = "authorized"
	TypeRevoked    = "revoked"
)

const sendTimeout = 10 * time.Second

// AuditEvent records one change to the whitelist.
type AuditEvent struct {
	Type      string             `json:"type"`
	Address   string             `json:"address"`
	Headers   []whitelist.Header `json:"headers,omitempty"`
	ExpiresAt string             `json:"expires_at,omitempty"` // RFC 3339
	Timestamp string             `json:"timestamp"`            // RFC 3339
	RequestID string             `json:"request_id,omitempty"` // X-Request-Id for deduplication
}

// Authorized builds the event for a successful /authorize.
func Authorized(addr netip.Addr, headers []whitelist.Header, expires time.Time, requestID string) AuditEvent {
	return AuditEvent{
		Type:      TypeAuthorized,
		Address:   addr.Unmap().String(),
		Headers:   headers,
		ExpiresAt: expires.UTC().Format(time.RFC3339),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		RequestID: requestID,
	}
}

// Revoked builds the event for an entry removed through the admin API.
func Revoked(addr netip.Addr) AuditEvent {
	return AuditEvent{
		Type:      TypeRevoked,
		Address:   addr.Unmap().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Emitter batches audit events in a ring buffer and flushes them to an
// HTTP receiver. A nil *Emitter is valid and discards everything.
type Emitter struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	url        string
	headers    map[string]string
	httpClient *http.Client

	batchSize     int
	flushInterval time.Duration
	bufferSize    int
	maxRetries    int
	retryBackoff  time.Duration

	ring     []AuditEvent
	ringMu   sync.Mutex
	ringHead int
	ringTail int
	ringLen  int

	flushCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEmitter creates an audit event emitter. Returns nil if events are not
// enabled in the config.
func NewEmitter(cfg config.EventsConfig, logger *slog.Logger, metrics *observability.Metrics) *Emitter {
	if !cfg.Enabled {
		return nil
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	bufferSize := cfg.BufferSize
	if bufferSize < batchSize {
		bufferSize = batchSize
	}
	flushInterval := cfg.FlushInterval.Std()
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	e := &Emitter{
		logger:        logger.With("component", "events"),
		metrics:       metrics,
		url:           cfg.URL,
		headers:       cfg.Headers,
		httpClient:    &http.Client{Timeout: sendTimeout},
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		maxRetries:    max(cfg.MaxRetries, 0),
		retryBackoff:  cfg.RetryBackoff.Std(),
		ring:          make([]AuditEvent, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.flushLoop()

	return e
}

// Emit enqueues an event. It never blocks. When the buffer is full the
// oldest event is dropped.
func (e *Emitter) Emit(ev AuditEvent) {
	if e == nil {
		return
	}

	e.ringMu.Lock()
	e.ring[e.ringTail] = ev
	e.ringTail = (e.ringTail + 1) % e.bufferSize
	dropped := e.ringLen == e.bufferSize
	if dropped {
		e.ringHead = (e.ringHead + 1) % e.bufferSize
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= e.batchSize
	e.ringMu.Unlock()

	if dropped {
		e.dropped(1)
	}
	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of buffered events.
func (e *Emitter) Pending() int {
	if e == nil {
		return 0
	}
	e.ringMu.Lock()
	defer e.ringMu.Unlock()
	return e.ringLen
}

// Close stops the flush loop and sends whatever is still buffered. Safe to
// call more than once.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
		e.flush()
	})
	return nil
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		e.send(batch)
	}
}

func (e *Emitter) drain() []AuditEvent {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}

	n := min(e.ringLen, e.batchSize)
	batch := make([]AuditEvent, n)
	for i := range n {
		idx := (e.ringHead + i) % e.bufferSize
		batch[i] = e.ring[idx]
		e.ring[idx] = AuditEvent{}
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

func (e *Emitter) send(batch []AuditEvent) {
	payload := struct {
		Events []AuditEvent `json:"events"`
	}{Events: batch}

	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to marshal events batch", "error", err)
		e.dropped(len(batch))
		return
	}

	backoff := e.retryBackoff
	for attempt := 0; ; attempt++ {
		retry, err := e.post(body)
		if err == nil {
			if e.metrics != nil {
				e.metrics.AddEventsSent(len(batch))
			}
			return
		}
		if !retry || attempt >= e.maxRetries {
			e.logger.Warn("failed to send events batch",
				"error", err, "count", len(batch), "attempts", attempt+1)
			e.dropped(len(batch))
			return
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

// post delivers one encoded batch. retry reports whether a failure is worth
// another attempt.
func (e *Emitter) post(body []byte) (retry bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create events request: %w", err)
	}
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("events receiver returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return false, fmt.Errorf("events receiver returned %d", resp.StatusCode)
	}
	return false, nil
}

func (e *Emitter) dropped(n int) {
	if e.metrics != nil {
		e.metrics.AddEventsDropped(n)
	}
}

// String implements fmt.Stringer for debug logging.
func (e *Emitter) String() string {
	return fmt.Sprintf("Emitter(url=%s, batch=%d, flush=%s, buf=%d)",
		e.url, e.batchSize, e.flushInterval, e.bufferSize)
}
