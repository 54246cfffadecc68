// Package srt accepts SRT publishers that send an FLV stream and registers
// each connection with the ingest registry.
package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/flvdemux/internal/ingest"
)

// readBufferSize is the socket read size; 1316 bytes is the usual SRT
// payload.
const readBufferSize = 1316 * 10

// DefaultLatency is used when no latency option is given.
const DefaultLatency = 120 * time.Millisecond

// Server accepts incoming SRT publish connections.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
	latency  time.Duration

	onStart func(key string)
	onEnd   func(key string, stats ingest.Stats)
}

// NewServer creates a Server that listens on addr and registers incoming
// streams with registry. If log is nil, slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger, opts ...func(*Server)) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
		latency:  DefaultLatency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOptLatency sets the SRT receive latency.
func ServerOptLatency(d time.Duration) func(*Server) {
	return func(s *Server) {
		if d > 0 {
			s.latency = d
		}
	}
}

// ServerOptHooks registers callbacks run when a publisher connects and
// after it disconnects.
func ServerOptHooks(onStart func(key string), onEnd func(key string, stats ingest.Stats)) func(*Server) {
	return func(s *Server) {
		s.onStart = onStart
		s.onEnd = onEnd
	}
}

// Start accepts connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = s.latency

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr, "latency", s.latency)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		if _, live := s.registry.Get(extractStreamKey(req.StreamID)); live {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		key := extractStreamKey(conn.StreamID())
		s.log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())
		go s.handleConnection(ctx, conn, key)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, key string) {
	defer conn.Close()

	stream, w, err := s.registry.Register(key, ingest.FormatFLV)
	if err != nil {
		s.log.Warn("register failed", "stream_key", key, "error", err)
		return
	}
	stream.SetRemoteAddr(conn.RemoteAddr().String())
	if s.onStart != nil {
		s.onStart(key)
	}

	readErr := pump(ctx, conn, w, stream)
	if readErr != nil {
		s.log.Debug("read error", "stream_key", key, "error", readErr)
	}

	stats := stream.Stats()
	s.registry.UnregisterWithError(key, readErr)
	if s.onEnd != nil {
		s.onEnd(key, stats)
	}
	s.log.Info("connection closed", "stream_key", key,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

// pump copies r into w until EOF or cancellation. A clean EOF returns nil.
func pump(ctx context.Context, r io.Reader, w io.Writer, stream *ingest.Stream) error {
	buf := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			stream.RecordRead(n)
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
