package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	defaultLokiBatchSize     = 100
	defaultLokiFlushInterval = 5 * time.Second
	lokiPendingBatches       = 10 // queued batches kept before the oldest lines are dropped
	lokiMaxRetries           = 3
	lokiRetryBaseDelay       = 100 * time.Millisecond
	lokiRequestTimeout       = 10 * time.Second
)

var errLokiClosed = errors.New("loki writer is closed")

// LokiConfig contains configuration for Loki writer.
type LokiConfig struct {
	Endpoint      string            // Loki push endpoint URL
	Labels        map[string]string // Stream labels; "job" defaults to "spooftcp"
	BatchSize     int               // Lines per push request
	FlushInterval string            // e.g. "5s"
}

// LokiWriter implements io.Writer and ships log lines to Grafana Loki.
//
// Write only queues the line. Pushes happen on a background goroutine, so a
// warning logged from an NFQUEUE callback never waits on the network. When
// the server falls behind, the oldest queued lines are dropped.
type LokiWriter struct {
	endpoint      string
	labels        map[string]string
	batchSize     int
	maxPending    int
	flushInterval time.Duration
	httpClient    *http.Client

	mu      sync.Mutex
	pending []logEntry
	dropped uint64
	closed  bool

	kick    chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup
}

type logEntry struct {
	timestamp time.Time
	line      string
}

// lokiPushRequest is the body of POST /loki/api/v1/push.
type lokiPushRequest struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewLokiWriter creates a Loki writer and starts its flusher.
func NewLokiWriter(cfg LokiConfig) (*LokiWriter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("loki output requires 'endpoint' field")
	}

	flushInterval := defaultLokiFlushInterval
	if cfg.FlushInterval != "" {
		d, err := time.ParseDuration(cfg.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid flush interval: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid flush interval: %s", cfg.FlushInterval)
		}
		flushInterval = d
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultLokiBatchSize
	}

	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "spooftcp"
	}

	lw := &LokiWriter{
		endpoint:      cfg.Endpoint,
		labels:        labels,
		batchSize:     batchSize,
		maxPending:    batchSize * lokiPendingBatches,
		flushInterval: flushInterval,
		httpClient:    &http.Client{Timeout: lokiRequestTimeout},
		pending:       make([]logEntry, 0, batchSize),
		kick:          make(chan struct{}, 1),
		closeCh:       make(chan struct{}),
	}

	lw.wg.Add(1)
	go lw.flusher()

	return lw, nil
}

// Write implements io.Writer. It never blocks on the network.
func (lw *LokiWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.closed {
		return 0, errLokiClosed
	}

	if len(lw.pending) >= lw.maxPending {
		lw.pending = lw.pending[1:]
		lw.dropped++
	}
	lw.pending = append(lw.pending, logEntry{
		timestamp: time.Now(),
		line:      string(bytes.TrimSuffix(p, []byte{'\n'})),
	})

	if len(lw.pending) >= lw.batchSize {
		select {
		case lw.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Dropped returns the number of lines discarded because the queue was full
// or a push failed after all retries.
func (lw *LokiWriter) Dropped() uint64 {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.dropped
}

// Close stops the flusher and pushes whatever is still queued.
func (lw *LokiWriter) Close() error {
	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return nil
	}
	lw.closed = true
	lw.mu.Unlock()

	close(lw.closeCh)
	lw.wg.Wait()

	return lw.flush()
}

func (lw *LokiWriter) flusher() {
	defer lw.wg.Done()

	ticker := time.NewTicker(lw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-lw.kick:
		case <-lw.closeCh:
			return
		}
		if err := lw.flush(); err != nil {
			// slog would feed the error back into this writer.
			fmt.Fprintf(os.Stderr, "spooftcp: loki flush: %v\n", err)
		}
	}
}

// take removes up to one batch from the queue.
func (lw *LokiWriter) take() []logEntry {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	n := min(len(lw.pending), lw.batchSize)
	if n == 0 {
		return nil
	}
	batch := make([]logEntry, n)
	copy(batch, lw.pending[:n])
	lw.pending = append(lw.pending[:0], lw.pending[n:]...)
	return batch
}

// flush pushes the queue one batch per request. A batch that still fails
// after its retries is counted as dropped.
func (lw *LokiWriter) flush() error {
	var errs []error
	for {
		batch := lw.take()
		if batch == nil {
			return errors.Join(errs...)
		}
		if err := lw.push(batch); err != nil {
			errs = append(errs, err)
			lw.mu.Lock()
			lw.dropped += uint64(len(batch))
			lw.mu.Unlock()
		}
	}
}

func (lw *LokiWriter) push(batch []logEntry) error {
	values := make([][]string, len(batch))
	for i, e := range batch {
		values[i] = []string{strconv.FormatInt(e.timestamp.UnixNano(), 10), e.line}
	}

	data, err := json.Marshal(lokiPushRequest{
		Streams: []lokiStream{{Stream: lw.labels, Values: values}},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal loki request: %w", err)
	}
	return lw.sendWithRetry(data)
}

// sendWithRetry sends one push request with exponential backoff.
func (lw *LokiWriter) sendWithRetry(data []byte) error {
	var lastErr error
	for attempt := 0; attempt < lokiMaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(lokiRetryBaseDelay << (attempt - 1))
		}
		if lastErr = lw.send(data); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("loki push failed after %d attempts: %w", lokiMaxRetries, lastErr)
}

func (lw *LokiWriter) send(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), lokiRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lw.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := lw.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("loki push failed with status %d: %s", resp.StatusCode, body)
	}
	return nil
}
