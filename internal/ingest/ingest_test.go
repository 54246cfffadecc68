package ingest

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, w, err := r.Register("cam1", FormatFLV)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if stream.Key != "cam1" {
		t.Fatalf("got key %q, want %q", stream.Key, "cam1")
	}
	if stream.Format != FormatFLV {
		t.Fatalf("got format %v, want %v", stream.Format, FormatFLV)
	}
	if w == nil {
		t.Fatal("writer is nil")
	}

	got, ok := r.Get("cam1")
	if !ok {
		t.Fatal("Get returned false for registered stream")
	}
	if got != stream {
		t.Fatal("Get returned different stream pointer")
	}
}

func TestRegistryRejectsDuplicateKey(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	if _, _, err := r.Register("cam1", FormatFLV); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	_, _, err := r.Register("cam1", FormatFLV)
	if !errors.Is(err, ErrStreamExists) {
		t.Fatalf("second Register error = %v, want ErrStreamExists", err)
	}
}

func TestRegistryUnregisterClosesPipe(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _, _ := r.Register("cam1", FormatFLV)
	r.Unregister("cam1")

	if _, ok := r.Get("cam1"); ok {
		t.Fatal("stream still found after Unregister")
	}
	buf := make([]byte, 1)
	if _, err := stream.input.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF after Unregister, got %v", err)
	}
	select {
	case <-stream.Done():
	default:
		t.Fatal("Done not closed after Unregister")
	}

	// Unknown keys are ignored.
	r.Unregister("nonexistent")
}

func TestRegistryUnregisterWithError(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _, _ := r.Register("cam1", FormatFLV)
	boom := errors.New("connection reset")
	r.UnregisterWithError("cam1", boom)

	buf := make([]byte, 1)
	if _, err := stream.input.Read(buf); !errors.Is(err, boom) {
		t.Fatalf("read error = %v, want %v", err, boom)
	}
}

func TestRegistryOnStreamReceivesBytes(t *testing.T) {
	t.Parallel()

	type result struct {
		key    string
		format InputFormat
		data   []byte
	}
	done := make(chan result, 1)
	r := NewRegistry(func(key string, input io.Reader, format InputFormat) {
		data, _ := io.ReadAll(input)
		done <- result{key, format, data}
	})

	_, w, err := r.Register("cam1", FormatFLV)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := w.Write([]byte("FLV")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	r.Unregister("cam1")

	select {
	case got := <-done:
		if got.key != "cam1" || got.format != FormatFLV || string(got.data) != "FLV" {
			t.Fatalf("callback got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onStream callback not finished within timeout")
	}
}

func TestStreamStats(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	stream, _, _ := r.Register("s1", FormatFLV)
	stream.RecordRead(100)
	stream.RecordRead(200)
	stream.SetRemoteAddr("192.168.1.1:5000")

	stats := stream.Stats()
	if stats.BytesReceived != 300 {
		t.Fatalf("BytesReceived = %d, want 300", stats.BytesReceived)
	}
	if stats.ReadCount != 2 {
		t.Fatalf("ReadCount = %d, want 2", stats.ReadCount)
	}
	if stats.RemoteAddr != "192.168.1.1:5000" {
		t.Fatalf("RemoteAddr = %q, want %q", stats.RemoteAddr, "192.168.1.1:5000")
	}
	if stats.ConnectedAt == 0 {
		t.Fatal("ConnectedAt is zero")
	}
}

func TestRegistryKeysSorted(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	for _, k := range []string{"c", "a", "b"} {
		r.Register(k, FormatFLV)
	}
	got := fmt.Sprint(r.Keys())
	if got != "[a b c]" {
		t.Fatalf("Keys = %s, want [a b c]", got)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("stream-%d", n)
			r.Register(key, FormatFLV)
			r.Get(key)
			r.Unregister(key)
		}(i)
	}
	wg.Wait()
	if n := len(r.Keys()); n != 0 {
		t.Fatalf("%d streams left registered", n)
	}
}

func TestInputFormatString(t *testing.T) {
	t.Parallel()
	if got := FormatFLV.String(); got != "flv" {
		t.Errorf("FormatFLV.String() = %q, want flv", got)
	}
}
