// Package ingest tracks live publishers whose bytes feed a demux pipeline.
// Each registered stream couples a pipe with connection statistics.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStreamExists is returned by Register when the key is already live.
var ErrStreamExists = errors.New("ingest: stream already registered")

// InputFormat identifies the container format of an ingested stream.
type InputFormat int

const (
	FormatFLV InputFormat = iota
)

func (f InputFormat) String() string {
	switch f {
	case FormatFLV:
		return "flv"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Stats captures connection-level counters for one publisher.
type Stats struct {
	BytesReceived int64
	ReadCount     int64
	ConnectedAt   int64
	UptimeMs      int64
	RemoteAddr    string
}

// Stream is one live publisher. Bytes written by the transport into the
// stream's pipe are read by the consumer handed to the Registry callback.
type Stream struct {
	Key       string
	StartedAt time.Time
	Format    InputFormat
	input     io.ReadCloser
	pw        *io.PipeWriter
	done      chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead counts one successful transport read of n bytes.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed once the stream has been unregistered.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of the stream's counters.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks live streams by key and hands each new stream's reader to
// the onStream callback, which runs on its own goroutine.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream func(key string, input io.Reader, format InputFormat)
}

func NewRegistry(onStream func(key string, input io.Reader, format InputFormat)) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a stream and returns it with the writer the transport
// should copy received bytes into. A key can only be live once.
func (r *Registry) Register(key string, format InputFormat) (*Stream, io.Writer, error) {
	pr, pw := io.Pipe()

	stream := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		Format:    format,
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, ok := r.streams[key]; ok {
		r.mu.Unlock()
		pw.Close()
		return nil, nil, fmt.Errorf("%w: %q", ErrStreamExists, key)
	}
	r.streams[key] = stream
	r.mu.Unlock()

	if r.onStream != nil {
		go r.onStream(key, pr, format)
	}
	return stream, pw, nil
}

// Unregister removes a stream, closing its pipe so the reader sees EOF.
func (r *Registry) Unregister(key string) {
	r.UnregisterWithError(key, nil)
}

// UnregisterWithError removes a stream and makes its reader fail with err
// instead of EOF. A nil err behaves like Unregister.
func (r *Registry) UnregisterWithError(key string, err error) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		stream.pw.CloseWithError(err)
		close(stream.done)
	}
}

func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// Keys returns the live stream keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.streams))
	for k := range r.streams {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
