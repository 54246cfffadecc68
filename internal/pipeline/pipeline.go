// Package pipeline wires the FLV stages for a single stream: container
// parsing, elementary-stream demuxing, H.264 NAL parsing, AAC frame
// description and optional caption extraction. Every stream gets its own
// Pipeline; pipelines share no mutable state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/ccx"

	"github.com/zsiec/flvdemux/internal/aac"
	"github.com/zsiec/flvdemux/internal/bits"
	"github.com/zsiec/flvdemux/internal/captions"
	"github.com/zsiec/flvdemux/internal/es"
	"github.com/zsiec/flvdemux/internal/flv"
	"github.com/zsiec/flvdemux/internal/h264"
)

// StatsRecorder is the interface accepted by Pipeline for recording stream
// telemetry. metrics.Recorder implements it.
type StatsRecorder interface {
	RecordTag(kind string, bytes int)
	RecordDroppedTag(reason string)
	RecordNALUnit(unitType string, bytes int)
	RecordAudioFrame(bytes int, sampleRate uint32, channels uint8)
	RecordResolution(width, height uint32)
	RecordCaption(channel int)
	RecordError(kind string)
}

// Summary is a snapshot of what a pipeline has produced so far.
type Summary struct {
	Tags               int64
	NALUnits           int64
	AudioFrames        int64
	Captions           int64
	DroppedScriptData  int64
	DroppedUnsupported int64
	Width              uint32
	Height             uint32
	VideoCodec         string
	AudioCodec         string
}

// Pipeline owns one instance of every stage plus the stream's codec
// configuration cache.
type Pipeline struct {
	log  *slog.Logger
	key  string
	meta *flv.MetadataFilter

	parser   *flv.Parser
	demuxer  *es.Demuxer
	nal      *h264.Parser
	audio    *aac.Describer
	captions *captions.Extractor

	parserOpts []func(*flv.Parser)
	stats      StatsRecorder
	onNAL      func(h264.Event) error
	onAudio    func(aac.Frame) error
	onCaption  func(*ccx.CaptionFrame) error

	summary  Summary
	lastPTS  int64
	videoCfg *es.AVCDecoderConfig
	audioCfg *es.AACAudioConfig
}

// New creates a Pipeline for the stream identified by key. If log is nil,
// slog.Default() is used.
func New(key string, log *slog.Logger, opts ...func(*Pipeline)) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		log:  log.With("component", "pipeline", "stream", key),
		key:  key,
		meta: flv.NewMetadataFilter(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.parser = flv.NewParser(append(p.parserOpts, flv.ParserOptDropped(p.handleDropped))...)
	p.demuxer = es.NewDemuxer()
	p.nal = h264.NewParser()
	p.audio = aac.NewDescriber()

	p.parser.OnData(p.handleTag)
	p.demuxer.OnData(p.handleUnit)
	p.nal.OnData(p.handleNAL)
	p.audio.OnData(p.handleAudio)
	if p.captions != nil {
		p.captions.OnData(p.handleCaption)
	}
	return p
}

// OptStats attaches a StatsRecorder.
func OptStats(s StatsRecorder) func(*Pipeline) {
	return func(p *Pipeline) {
		p.stats = s
	}
}

// OptNALHandler sets the consumer of H.264 NAL events.
func OptNALHandler(fn func(h264.Event) error) func(*Pipeline) {
	return func(p *Pipeline) {
		p.onNAL = fn
	}
}

// OptAudioHandler sets the consumer of AAC frames.
func OptAudioHandler(fn func(aac.Frame) error) func(*Pipeline) {
	return func(p *Pipeline) {
		p.onAudio = fn
	}
}

// OptCaptions enables CEA-608/708 extraction from SEI units and sets the
// consumer of decoded caption frames.
func OptCaptions(fn func(*ccx.CaptionFrame) error) func(*Pipeline) {
	return func(p *Pipeline) {
		p.captions = captions.NewExtractor()
		p.onCaption = fn
	}
}

// OptUniformTimestamps scales the full tag timestamp by 90.
func OptUniformTimestamps() func(*Pipeline) {
	return func(p *Pipeline) {
		p.parserOpts = append(p.parserOpts, flv.ParserOptUniformTimestamps())
	}
}

// Push runs one complete FLV buffer through every stage. Outputs are
// delivered to the handlers before Push returns.
func (p *Pipeline) Push(data []byte) error {
	if err := p.parser.Push(data); err != nil {
		kind := ErrorKind(err)
		if p.stats != nil {
			p.stats.RecordError(kind)
		}
		p.log.Warn("push failed", "kind", kind, "error", err)
		return fmt.Errorf("stream %s: %w", p.key, err)
	}
	return nil
}

// Run reads r to EOF and pushes the result as one buffer. Pending captions
// are flushed afterwards.
func (p *Pipeline) Run(ctx context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("stream %s: read input: %w", p.key, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.log.Debug("input read", "bytes", len(data))

	if err := p.Push(data); err != nil {
		return err
	}
	if p.captions != nil {
		if err := p.captions.Flush(p.lastPTS); err != nil {
			return fmt.Errorf("stream %s: flush captions: %w", p.key, err)
		}
	}
	return nil
}

// Reset clears the codec configuration cache and the summary so the
// Pipeline can be reused for an unrelated stream.
func (p *Pipeline) Reset() {
	p.demuxer.Reset()
	p.summary = Summary{}
	p.videoCfg = nil
	p.audioCfg = nil
	p.lastPTS = 0
}

// Header returns the FLV header of the last pushed buffer.
func (p *Pipeline) Header() flv.Header {
	return p.parser.Header()
}

// Summary returns counters and stream properties seen so far.
func (p *Pipeline) Summary() Summary {
	return p.summary
}

func (p *Pipeline) handleDropped(tag flv.Tag) {
	reason := "unsupported_codec"
	if p.meta.Matches(tag.TrackID) {
		reason = "script_data"
		p.summary.DroppedScriptData++
	} else {
		p.summary.DroppedUnsupported++
	}
	if p.stats != nil {
		p.stats.RecordDroppedTag(reason)
	}
	p.log.Debug("tag dropped", "kind", tag.Kind, "reason", reason, "bytes", tag.DataLength)
}

func (p *Pipeline) handleTag(tag flv.Tag) error {
	p.summary.Tags++
	if p.stats != nil {
		p.stats.RecordTag(tag.Kind.String(), int(tag.DataLength))
	}
	if err := p.demuxer.Push(tag); err != nil {
		return err
	}
	p.noteConfigChange()
	return nil
}

func (p *Pipeline) noteConfigChange() {
	if v := p.demuxer.VideoConfig(); v != p.videoCfg && len(v.SPS) > 0 {
		p.videoCfg = v
		p.log.Debug("video config",
			"profile", v.ProfileIndication,
			"level", v.LevelIndication,
			"nal_length_size", v.NALLengthSize,
			"sps_bytes", len(v.SPS),
			"pps_bytes", len(v.PPS),
		)
	}
	if a := p.demuxer.AudioConfig(); a != p.audioCfg && a.AudioObjectType != 0 {
		p.audioCfg = a
		p.summary.AudioCodec = a.CodecString()
		p.log.Debug("audio config",
			"codec", a.CodecString(),
			"sampling_frequency_index", a.SamplingFrequencyIndex,
			"channels", a.ChannelConfiguration,
		)
	}
}

func (p *Pipeline) handleUnit(u es.Unit) error {
	if u.Type == es.TypeVideo {
		return p.nal.Push(u)
	}
	return p.audio.Push(u)
}

func (p *Pipeline) handleNAL(ev h264.Event) error {
	p.summary.NALUnits++
	p.lastPTS = ev.PTS
	if p.stats != nil {
		p.stats.RecordNALUnit(ev.UnitType.String(), len(ev.Data))
	}

	if ev.Config != nil && (ev.Config.Width != p.summary.Width || ev.Config.Height != p.summary.Height) {
		p.summary.Width = ev.Config.Width
		p.summary.Height = ev.Config.Height
		p.summary.VideoCodec = ev.Config.CodecString()
		if p.stats != nil {
			p.stats.RecordResolution(ev.Config.Width, ev.Config.Height)
		}
		p.log.Info("resolution", "width", ev.Config.Width, "height", ev.Config.Height, "codec", p.summary.VideoCodec)
	}

	if p.captions != nil {
		if err := p.captions.Push(ev); err != nil {
			return err
		}
	}
	if p.onNAL != nil {
		return p.onNAL(ev)
	}
	return nil
}

func (p *Pipeline) handleAudio(f aac.Frame) error {
	p.summary.AudioFrames++
	if p.stats != nil {
		p.stats.RecordAudioFrame(len(f.Data), f.SampleRate, f.ChannelCount)
	}
	if p.onAudio != nil {
		return p.onAudio(f)
	}
	return nil
}

func (p *Pipeline) handleCaption(frame *ccx.CaptionFrame) error {
	p.summary.Captions++
	if p.stats != nil {
		p.stats.RecordCaption(frame.Channel)
	}
	if p.onCaption != nil {
		return p.onCaption(frame)
	}
	return nil
}

// ErrorKind names the failure class of a pipeline error for logs and
// metrics labels.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, flv.ErrMalformedContainer):
		return "malformed_container"
	case errors.Is(err, flv.ErrUnknownTagType):
		return "unknown_tag_type"
	case errors.Is(err, es.ErrInvalidNALUnit):
		return "invalid_nal_unit"
	case errors.Is(err, es.ErrInvalidDecoderConfig):
		return "invalid_decoder_config"
	case errors.Is(err, bits.ErrBitstreamUnderrun):
		return "bitstream_underrun"
	case errors.Is(err, aac.ErrInvalidSamplingFrequencyIndex):
		return "invalid_sampling_frequency_index"
	default:
		return "other"
	}
}
