package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/skypro1111/ctxswitch-asr/internal/snapshot"
)

// RemoteConfig contains decode worker client configuration
type RemoteConfig struct {
	Endpoint     string
	APIKey       string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration // First retry delay, doubled per attempt
}

// Remote drives an engine hosted by an external decode worker. The worker
// holds the loaded snapshot; Remote only tracks whether one is loaded.
type Remote struct {
	config     RemoteConfig
	httpClient *http.Client

	loaded bool

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration
	loads           uint64
	decodes         uint64
	saves           uint64
	resets          uint64

	mu sync.RWMutex
}

// RemoteStats represents decode worker client statistics
type RemoteStats struct {
	Stats
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// statusError is a non-2xx worker response
type statusError struct {
	status int
	body   workerError
}

func (e *statusError) Error() string {
	return fmt.Sprintf("worker error %d (%s): %s", e.status, e.body.Code, e.body.Message)
}

// NewRemote creates a decode worker client
func NewRemote(config RemoteConfig) (*Remote, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}

	config.Endpoint = strings.TrimRight(config.Endpoint, "/")

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Remote{
		config:     config,
		httpClient: httpClient,
	}, nil
}

// Name identifies the engine
func (r *Remote) Name() string {
	return "remote"
}

// Load installs the snapshot on the worker
func (r *Remote) Load(ctx context.Context, snap *snapshot.Snapshot) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return ErrAlreadyLoaded
	}

	if err := r.call(ctx, "/load", snap, nil); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.body.Code == codeIncompatible {
			r.mu.Lock()
			r.resets++
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrIncompatibleState, se.body.Message)
		}
		return fmt.Errorf("load failed: %w", err)
	}

	r.mu.Lock()
	r.loaded = true
	r.loads++
	r.mu.Unlock()
	return nil
}

// Decode sends the chunk to the worker. Decoding is keyed by absolute
// offsets, so a retried request after a lost response is harmless.
func (r *Remote) Decode(ctx context.Context, chunk Chunk) (Output, error) {
	if !r.isLoaded() {
		return Output{}, ErrNotLoaded
	}

	var out Output
	if err := r.call(ctx, "/decode", chunk, &out); err != nil {
		return Output{}, fmt.Errorf("decode failed: %w", err)
	}

	r.mu.Lock()
	r.decodes++
	r.mu.Unlock()
	return out, nil
}

// Save fetches the worker's state
func (r *Remote) Save(ctx context.Context) (snapshot.EngineState, error) {
	if !r.isLoaded() {
		return snapshot.EngineState{}, ErrNotLoaded
	}

	var state snapshot.EngineState
	if err := r.call(ctx, "/save", struct{}{}, &state); err != nil {
		return snapshot.EngineState{}, fmt.Errorf("save failed: %w", err)
	}

	r.mu.Lock()
	r.saves++
	r.mu.Unlock()
	return state, nil
}

// Unload releases the worker's state. Failures are not reported: the next
// Load replaces whatever the worker still holds.
func (r *Remote) Unload() {
	r.mu.Lock()
	wasLoaded := r.loaded
	r.loaded = false
	r.mu.Unlock()

	if !wasLoaded {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
	defer cancel()
	_ = r.doRequest(ctx, "/unload", []byte{0x80}, nil)
}

func (r *Remote) isLoaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// call performs a request with retries and exponential backoff
func (r *Remote) call(ctx context.Context, path string, request, response any) error {
	body, err := msgpack.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	startTime := time.Now()
	r.incrementTotalRequests()

	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			r.incrementTotalRetries()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * r.config.RetryBackoff
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := r.doRequest(ctx, path, body, response)
		if err == nil {
			r.incrementSuccessRequests()
			r.updateAvgResponseTime(time.Since(startTime))
			return nil
		}

		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}

	r.incrementFailedRequests()

	var se *statusError
	if errors.As(lastErr, &se) {
		if se.body.Code == codeFatal {
			return fmt.Errorf("%w: %v", ErrFatal, lastErr)
		}
		if se.status < 500 {
			return lastErr
		}
	}

	// The worker is unreachable or keeps failing; nothing can be decoded
	if ctx.Err() == nil {
		return fmt.Errorf("%w: worker unavailable after %d attempts: %v", ErrFatal, r.config.MaxRetries+1, lastErr)
	}
	return lastErr
}

// doRequest performs a single HTTP request to the worker
func (r *Remote) doRequest(ctx context.Context, path string, body []byte, response any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", msgpackContentType)
	httpReq.Header.Set("Accept", msgpackContentType)
	httpReq.Header.Set("User-Agent", "ctxswitch-asr/1.0")
	if r.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.config.APIKey)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxWorkerBody))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &statusError{status: resp.StatusCode}
		if msgpack.Unmarshal(respBody, &se.body) != nil {
			se.body = workerError{Code: codeFailed, Message: strings.TrimSpace(string(respBody))}
		}
		return se
	}

	if response == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := msgpack.Unmarshal(respBody, response); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	return nil
}

// isRetryableError determines if an error is worth another attempt
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *statusError
	if errors.As(err, &se) {
		if se.body.Code == codeFatal {
			return false
		}
		return se.status >= 500 || se.status == http.StatusTooManyRequests
	}

	var netErr net.Error
	return errors.As(err, &netErr) || strings.Contains(err.Error(), "connection")
}

// Statistics methods
func (r *Remote) incrementTotalRequests() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalRequests++
}

func (r *Remote) incrementSuccessRequests() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successRequests++
}

func (r *Remote) incrementFailedRequests() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedRequests++
}

func (r *Remote) incrementTotalRetries() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalRetries++
}

func (r *Remote) updateAvgResponseTime(responseTime time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Simple moving average
	if r.avgResponseTime == 0 {
		r.avgResponseTime = responseTime
	} else {
		r.avgResponseTime = (r.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns engine statistics
func (r *Remote) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Name:    r.Name(),
		Loads:   r.loads,
		Decodes: r.decodes,
		Saves:   r.saves,
		Resets:  r.resets,
		Errors:  r.failedRequests,
		Loaded:  r.loaded,
	}
}

// GetClientStats returns request-level statistics
func (r *Remote) GetClientStats() RemoteStats {
	stats := r.GetStats()

	r.mu.RLock()
	defer r.mu.RUnlock()

	successRate := float64(0)
	if r.totalRequests > 0 {
		successRate = float64(r.successRequests) / float64(r.totalRequests) * 100
	}

	return RemoteStats{
		Stats:           stats,
		TotalRequests:   r.totalRequests,
		SuccessRequests: r.successRequests,
		FailedRequests:  r.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    r.totalRetries,
		AvgResponseTime: r.avgResponseTime,
	}
}
