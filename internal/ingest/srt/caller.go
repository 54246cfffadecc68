package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/flvdemux/internal/ingest"
)

// DefaultDialTimeout bounds how long Pull waits for the remote listener.
const DefaultDialTimeout = 10 * time.Second

// PullRequest describes a remote SRT listener serving an FLV stream.
type PullRequest struct {
	Address   string
	StreamKey string
	StreamID  string // defaults to "live/" + StreamKey
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// Caller dials remote SRT sources and streams their bytes into the ingest
// registry, one pipeline per pull.
type Caller struct {
	log         *slog.Logger
	registry    *ingest.Registry
	latency     time.Duration
	dialTimeout time.Duration

	mu    sync.Mutex
	pulls map[string]*activePull
	wg    sync.WaitGroup
}

// NewCaller creates a Caller that registers pulled streams with registry.
// If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger, opts ...func(*Caller)) *Caller {
	if log == nil {
		log = slog.Default()
	}
	c := &Caller{
		log:         log.With("component", "srt-caller"),
		registry:    registry,
		latency:     DefaultLatency,
		dialTimeout: DefaultDialTimeout,
		pulls:       make(map[string]*activePull),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallerOptLatency sets the SRT receive latency for pulled streams.
func CallerOptLatency(d time.Duration) func(*Caller) {
	return func(c *Caller) {
		if d > 0 {
			c.latency = d
		}
	}
}

// CallerOptDialTimeout overrides DefaultDialTimeout.
func CallerOptDialTimeout(d time.Duration) func(*Caller) {
	return func(c *Caller) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// Pull dials the remote listener synchronously and, once connected,
// streams in a background goroutine until EOF, Stop or ctx cancellation.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if req.Address == "" {
		return errors.New("srt pull: address is required")
	}
	if req.StreamKey == "" {
		return errors.New("srt pull: stream key is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	_, exists := c.pulls[req.StreamKey]
	c.mu.Unlock()
	if exists {
		return fmt.Errorf("srt pull: already active for stream key %q", req.StreamKey)
	}

	c.log.Info("dialing", "address", req.Address, "stream_key", req.StreamKey)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = c.latency
	cfg.StreamID = req.StreamID
	if cfg.StreamID == "" {
		cfg.StreamID = "live/" + req.StreamKey
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(c.dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("srt pull: dial %s: %w", req.Address, res.err)
		}
		return c.startStreaming(ctx, req, res.conn)
	case <-timer.C:
		abandon()
		return fmt.Errorf("srt pull: dial %s timed out after %s", req.Address, c.dialTimeout)
	case <-ctx.Done():
		abandon()
		return ctx.Err()
	}
}

func (c *Caller) startStreaming(ctx context.Context, req PullRequest, conn *srtgo.Conn) error {
	pullCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if _, exists := c.pulls[req.StreamKey]; exists {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("srt pull: already active for stream key %q", req.StreamKey)
	}
	c.pulls[req.StreamKey] = &activePull{req: req, cancel: cancel}
	c.mu.Unlock()

	stream, w, err := c.registry.Register(req.StreamKey, ingest.FormatFLV)
	if err != nil {
		c.forget(req.StreamKey)
		cancel()
		conn.Close()
		return fmt.Errorf("srt pull: %w", err)
	}
	stream.SetRemoteAddr(req.Address)
	c.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey)

	go func() {
		<-pullCtx.Done()
		conn.Close()
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		readErr := pump(pullCtx, conn, w, stream)
		if readErr != nil && pullCtx.Err() == nil {
			c.log.Debug("read error", "stream_key", req.StreamKey, "error", readErr)
		}

		stats := stream.Stats()
		c.registry.UnregisterWithError(req.StreamKey, readErr)
		c.forget(req.StreamKey)
		c.log.Info("pull ended", "stream_key", req.StreamKey,
			"bytes", stats.BytesReceived, "reads", stats.ReadCount,
			"uptime_ms", stats.UptimeMs)
	}()
	return nil
}

func (c *Caller) forget(key string) {
	c.mu.Lock()
	delete(c.pulls, key)
	c.mu.Unlock()
}

// Stop cancels the pull for streamKey.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	ap, ok := c.pulls[streamKey]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("srt pull: no active pull for stream key %q", streamKey)
	}
	ap.cancel()
	return nil
}

// ActivePulls returns the running pulls ordered by stream key.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamKey < out[j].StreamKey })
	return out
}

// Wait blocks until every started pull has finished.
func (c *Caller) Wait() {
	c.wg.Wait()
}
