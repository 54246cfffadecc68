// Command flvdemux splits FLV files, or FLV streams published over SRT,
// into an Annex B H.264 stream, an ADTS AAC stream and an event log.
//
//	flvdemux [-config f] [-out dir] [-captions] [-uniform-ts] file.flv...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/flvdemux/internal/config"
	"github.com/zsiec/flvdemux/internal/ingest"
	srtingest "github.com/zsiec/flvdemux/internal/ingest/srt"
	"github.com/zsiec/flvdemux/internal/metrics"
	"github.com/zsiec/flvdemux/internal/pipeline"
)

var version = "dev"

type options struct {
	configPath string
	outDir     string
	captions   bool
	uniformTS  bool
	files      []string
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "flvdemux:", err)
		os.Exit(1)
	}
	level, _ := config.ParseLevel(cfg.Log.Level)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(opts.files) == 0 && cfg.SRT.Addr == "" && len(cfg.SRT.Pull) == 0 {
		fmt.Fprintln(os.Stderr, "flvdemux: no input files and no srt.addr or srt.pull configured")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("flvdemux starting",
		"version", version,
		"files", len(opts.files),
		"out", cfg.Output.Dir,
		"srt", cfg.SRT.Addr,
		"metrics", cfg.Metrics.Addr,
	)

	if err := run(ctx, cfg, opts.files, metrics.New()); err != nil {
		slog.Error("flvdemux failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("flvdemux", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&o.outDir, "out", "", "output directory (overrides output.dir)")
	fs.BoolVar(&o.captions, "captions", false, "decode CEA-608/708 captions from SEI")
	fs.BoolVar(&o.uniformTS, "uniform-ts", false, "scale the whole tag timestamp to 90 kHz")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: flvdemux [flags] file.flv...")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	o.files = fs.Args()
	return o, nil
}

// loadConfig layers the config file, command-line flags and environment.
func loadConfig(o options) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}

	if o.outDir != "" {
		cfg.Output.Dir = o.outDir
	}
	cfg.Captions.Enabled = cfg.Captions.Enabled || o.captions
	cfg.Parser.UniformTimestamps = cfg.Parser.UniformTimestamps || o.uniformTS
	cfg.SRT.Addr = envOr("SRT_ADDR", cfg.SRT.Addr)
	cfg.Metrics.Addr = envOr("METRICS_ADDR", cfg.Metrics.Addr)
	if os.Getenv("DEBUG") != "" {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

// run demuxes every file concurrently and, when configured, serves SRT
// ingest, pulls remote SRT sources and serves metrics until ctx is
// cancelled. A failing file does not stop the other files or the servers.
func run(ctx context.Context, cfg *config.Config, files []string, rec *metrics.Recorder) error {
	fileCtx := ctx
	g, ctx := errgroup.WithContext(ctx)

	if cfg.SRT.Addr != "" || len(cfg.SRT.Pull) > 0 {
		registry := ingest.NewRegistry(func(key string, input io.Reader, _ ingest.InputFormat) {
			handleIngest(ctx, key, input, cfg, rec)
		})

		if cfg.SRT.Addr != "" {
			srv := srtingest.NewServer(cfg.SRT.Addr, registry, nil,
				srtingest.ServerOptLatency(cfg.SRT.Latency()),
				srtingest.ServerOptHooks(
					func(string) { rec.StreamStarted() },
					func(string, ingest.Stats) { rec.StreamEnded() },
				),
			)
			g.Go(func() error {
				return srv.Start(ctx)
			})
		}

		if len(cfg.SRT.Pull) > 0 {
			caller := srtingest.NewCaller(registry, nil, srtingest.CallerOptLatency(cfg.SRT.Latency()))
			g.Go(func() error {
				defer caller.Wait()
				for _, p := range cfg.SRT.Pull {
					req := srtingest.PullRequest{Address: p.Address, StreamKey: p.StreamKey, StreamID: p.StreamID}
					if err := caller.Pull(ctx, req); err != nil {
						return err
					}
				}
				return nil
			})
		}
	}

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rec.Handler())
		metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}

		g.Go(func() error {
			slog.Info("metrics server listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	fileErr := demuxFiles(fileCtx, files, cfg, rec)
	return errors.Join(fileErr, g.Wait())
}

// demuxFiles demuxes files concurrently and joins their errors.
func demuxFiles(ctx context.Context, files []string, cfg *config.Config, rec *metrics.Recorder) error {
	var g errgroup.Group
	errs := make([]error, len(files))
	for i, path := range files {
		g.Go(func() error {
			if _, err := demuxFile(ctx, path, cfg, rec); err != nil {
				slog.Error("demux failed", "file", path, "error", err)
				errs[i] = err
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func demuxFile(ctx context.Context, path string, cfg *config.Config, rec *metrics.Recorder) (pipeline.Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return pipeline.Summary{}, err
	}
	defer f.Close()

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return demux(ctx, name, f, cfg, rec)
}

func handleIngest(ctx context.Context, key string, input io.Reader, cfg *config.Config, rec *metrics.Recorder) {
	slog.Info("new stream from ingest", "key", key)
	// Drain whatever the publisher sent even if demuxing fails early, so
	// the SRT reader never blocks on the pipe.
	defer io.Copy(io.Discard, input)

	if _, err := demux(ctx, outputName(key), input, cfg, rec); err != nil {
		slog.Error("pipeline error", "stream", key, "error", err)
		return
	}
	slog.Info("stream ended", "key", key)
}

func demux(ctx context.Context, name string, input io.Reader, cfg *config.Config, rec *metrics.Recorder) (pipeline.Summary, error) {
	log := slog.Default().With("input", name)
	s, err := newSink(cfg.Output.Dir, name, log)
	if err != nil {
		return pipeline.Summary{}, err
	}

	p := pipeline.New(name, log, s.options(cfg.Captions.Enabled, cfg.Parser.UniformTimestamps, rec)...)
	runErr := p.Run(ctx, input)
	closeErr := s.Close()
	if err := errors.Join(runErr, closeErr); err != nil {
		return p.Summary(), err
	}

	sum := p.Summary()
	hdr := p.Header()
	log.Info("demuxed",
		"has_audio", hdr.HasAudio,
		"has_video", hdr.HasVideo,
		"tags", sum.Tags,
		"nal_units", sum.NALUnits,
		"audio_frames", sum.AudioFrames,
		"captions", sum.Captions,
		"dropped_script", sum.DroppedScriptData,
		"dropped_unsupported", sum.DroppedUnsupported,
		"resolution", fmt.Sprintf("%dx%d", sum.Width, sum.Height),
		"video_codec", sum.VideoCodec,
		"audio_codec", sum.AudioCodec,
	)
	return sum, nil
}

// outputName turns a stream key into a file name.
func outputName(key string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(key)
	if name == "" {
		return "default"
	}
	return name
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
