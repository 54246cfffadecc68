// Command flvpush publishes FLV files to an SRT listener such as
// flvdemux's, one connection per file.
//
//	flvpush [-addr host:port] [-key name] [-realtime] file.flv...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	srtgo "github.com/zsiec/srtgo"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/flvdemux/internal/flv"
)

// chunkSize keeps each write within one SRT payload.
const chunkSize = 1316

type options struct {
	addr     string
	key      string
	realtime bool
	files    []string
}

func main() {
	o, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if len(o.files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: flvpush [flags] file.flv...")
		os.Exit(2)
	}
	if o.key != "" && len(o.files) > 1 {
		fmt.Fprintln(os.Stderr, "flvpush: -key needs exactly one file")
		os.Exit(2)
	}
	if os.Getenv("DEBUG") != "" {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, path := range o.files {
		key := o.key
		if key == "" {
			key = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		g.Go(func() error {
			return pushFile(ctx, path, "live/"+key, o.addr, o.realtime)
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("push failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("flvpush", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.addr, "addr", envOr("SRT_ADDR", "127.0.0.1:6000"), "SRT listener address")
	fs.StringVar(&o.key, "key", "", "stream key (default: file name without extension)")
	fs.BoolVar(&o.realtime, "realtime", false, "pace writes to the file's tag timestamps")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	o.files = fs.Args()
	return o, nil
}

func pushFile(ctx context.Context, path, streamID, addr string, realtime bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	duration, err := fileDuration(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	var bytesPerSec float64
	if realtime && duration > 0 {
		bytesPerSec = float64(len(data)) / duration.Seconds()
	}
	log := slog.With("stream_id", streamID)
	log.Info("connecting", "addr", addr, "bytes", len(data), "duration", duration)

	cfg := srtgo.DefaultConfig()
	cfg.StreamID = streamID
	conn, err := srtgo.Dial(addr, cfg)
	if err != nil {
		return fmt.Errorf("%s: SRT connect: %w", streamID, err)
	}
	defer conn.Close()

	start := time.Now()
	if err := writeChunks(ctx, conn, data, bytesPerSec, time.Sleep); err != nil {
		return fmt.Errorf("%s: %w", streamID, err)
	}
	log.Info("pushed", "bytes", len(data), "elapsed", time.Since(start).Truncate(time.Millisecond))
	return nil
}

// fileDuration validates data as FLV and returns the span of its tag
// timestamps.
func fileDuration(data []byte) (time.Duration, error) {
	var first, last int64
	var n int
	p := flv.NewParser(flv.ParserOptUniformTimestamps())
	p.OnData(func(tag flv.Tag) error {
		if n == 0 || tag.DTS < first {
			first = tag.DTS
		}
		if tag.DTS > last {
			last = tag.DTS
		}
		n++
		return nil
	})
	if err := p.Push(data); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	// Uniform timestamps are milliseconds scaled to 90 kHz.
	return time.Duration(last-first) * time.Second / 90000, nil
}

// writeChunks writes data in chunkSize pieces. A positive bytesPerSec paces
// the writes against the start time so the average rate matches it.
func writeChunks(ctx context.Context, w io.Writer, data []byte, bytesPerSec float64, sleep func(time.Duration)) error {
	start := time.Now()
	var sent int64
	for i := 0; i < len(data); i += chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(i+chunkSize, len(data))
		if _, err := w.Write(data[i:end]); err != nil {
			return err
		}
		sent += int64(end - i)

		if d := paceDelay(sent, bytesPerSec, time.Since(start)); d > 0 {
			sleep(d)
		}
	}
	return nil
}

// paceDelay returns how long to wait so that sent bytes are not ahead of
// bytesPerSec after elapsed.
func paceDelay(sent int64, bytesPerSec float64, elapsed time.Duration) time.Duration {
	if bytesPerSec <= 0 {
		return 0
	}
	expected := time.Duration(float64(sent) / bytesPerSec * float64(time.Second))
	if expected > elapsed {
		return expected - elapsed
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
