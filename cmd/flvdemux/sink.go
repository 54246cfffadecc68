package main

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zsiec/ccx"

	"github.com/zsiec/flvdemux/internal/aac"
	"github.com/zsiec/flvdemux/internal/eventlog"
	"github.com/zsiec/flvdemux/internal/h264"
	"github.com/zsiec/flvdemux/internal/metrics"
	"github.com/zsiec/flvdemux/internal/pipeline"
)

// sink writes one stream's outputs: an Annex B .h264 file, an ADTS .aac
// file and a .events log.
type sink struct {
	log    *slog.Logger
	files  []*os.File
	video  *bufio.Writer
	audio  *bufio.Writer
	events *bufio.Writer
	evlog  *eventlog.Writer
	annexb []byte
}

func newSink(dir, name string, log *slog.Logger) (*sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	s := &sink{log: log}
	open := func(ext string) (*bufio.Writer, error) {
		f, err := os.Create(filepath.Join(dir, name+ext))
		if err != nil {
			return nil, err
		}
		s.files = append(s.files, f)
		return bufio.NewWriter(f), nil
	}

	var err error
	if s.video, err = open(".h264"); err != nil {
		s.Close()
		return nil, err
	}
	if s.audio, err = open(".aac"); err != nil {
		s.Close()
		return nil, err
	}
	if s.events, err = open(".events"); err != nil {
		s.Close()
		return nil, err
	}
	s.evlog = eventlog.NewWriter(s.events)
	return s, nil
}

// options returns the pipeline options that route every output into s.
func (s *sink) options(captions, uniformTS bool, rec *metrics.Recorder) []func(*pipeline.Pipeline) {
	opts := []func(*pipeline.Pipeline){
		pipeline.OptNALHandler(s.writeNAL),
		pipeline.OptAudioHandler(s.writeAudio),
	}
	if rec != nil {
		opts = append(opts, pipeline.OptStats(rec))
	}
	if captions {
		opts = append(opts, pipeline.OptCaptions(s.writeCaption))
	}
	if uniformTS {
		opts = append(opts, pipeline.OptUniformTimestamps())
	}
	return opts
}

func (s *sink) writeNAL(ev h264.Event) error {
	s.annexb = h264.AppendAnnexB(s.annexb[:0], ev)
	if _, err := s.video.Write(s.annexb); err != nil {
		return err
	}
	return s.evlog.WriteNAL(ev)
}

// writeAudio skips frames that ADTS cannot describe; the event log still
// records them.
func (s *sink) writeAudio(f aac.Frame) error {
	adts, err := f.ADTS()
	if err != nil {
		s.log.Warn("skipping audio frame", "pts", f.PTS, "bytes", len(f.Data), "error", err)
	} else if _, err := s.audio.Write(adts); err != nil {
		return err
	}
	return s.evlog.WriteAudio(f)
}

func (s *sink) writeCaption(c *ccx.CaptionFrame) error {
	s.log.Info("caption", "channel", c.Channel, "pts", c.PTS, "text", c.Text)
	return s.evlog.WriteCaption(c)
}

// Close flushes and closes every output file.
func (s *sink) Close() error {
	var errs []error
	for _, w := range []*bufio.Writer{s.video, s.audio, s.events} {
		if w != nil {
			errs = append(errs, w.Flush())
		}
	}
	for _, f := range s.files {
		errs = append(errs, f.Close())
	}
	s.files = nil
	return errors.Join(errs...)
}
