// Package metrics exposes pipeline telemetry as Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the demuxer's Prometheus metrics on a private registry.
// It implements pipeline.StatsRecorder and is safe for concurrent use by
// several pipelines.
type Recorder struct {
	registry *prometheus.Registry

	TagsParsed      *prometheus.CounterVec
	TagBytes        *prometheus.CounterVec
	TagsDropped     *prometheus.CounterVec
	NALUnits        *prometheus.CounterVec
	NALBytes        prometheus.Counter
	AudioFrames     prometheus.Counter
	AudioBytes      prometheus.Counter
	AudioSampleRate prometheus.Gauge
	AudioChannels   prometheus.Gauge
	VideoWidth      prometheus.Gauge
	VideoHeight     prometheus.Gauge
	Captions        *prometheus.CounterVec
	Errors          *prometheus.CounterVec
	IngestStreams   prometheus.Gauge
}

// New creates a Recorder with every collector registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		TagsParsed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flvdemux_tags_total",
			Help: "FLV tags parsed and forwarded, by kind",
		}, []string{"kind"}),
		TagBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flvdemux_tag_bytes_total",
			Help: "FLV tag payload bytes forwarded, by kind",
		}, []string{"kind"}),
		TagsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flvdemux_tags_dropped_total",
			Help: "FLV tags not forwarded, by reason",
		}, []string{"reason"}),
		NALUnits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flvdemux_nal_units_total",
			Help: "H.264 NAL events emitted, by unit type",
		}, []string{"type"}),
		NALBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "flvdemux_nal_bytes_total",
			Help: "H.264 NAL event bytes emitted",
		}),
		AudioFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "flvdemux_audio_frames_total",
			Help: "AAC frames described",
		}),
		AudioBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "flvdemux_audio_bytes_total",
			Help: "AAC frame payload bytes",
		}),
		AudioSampleRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "flvdemux_audio_sample_rate_hz",
			Help: "Sample rate of the most recent AAC frame",
		}),
		AudioChannels: f.NewGauge(prometheus.GaugeOpts{
			Name: "flvdemux_audio_channels",
			Help: "Channel configuration of the most recent AAC frame",
		}),
		VideoWidth: f.NewGauge(prometheus.GaugeOpts{
			Name: "flvdemux_video_width_pixels",
			Help: "Width decoded from the most recent SPS",
		}),
		VideoHeight: f.NewGauge(prometheus.GaugeOpts{
			Name: "flvdemux_video_height_pixels",
			Help: "Height decoded from the most recent SPS",
		}),
		Captions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flvdemux_captions_total",
			Help: "Caption frames decoded, by channel",
		}, []string{"channel"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flvdemux_errors_total",
			Help: "Buffers rejected, by error kind",
		}, []string{"kind"}),
		IngestStreams: f.NewGauge(prometheus.GaugeOpts{
			Name: "flvdemux_ingest_streams",
			Help: "Active SRT publishers",
		}),
	}
}

// Registry returns the registry holding the Recorder's collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler returns an HTTP handler serving the Recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) RecordTag(kind string, bytes int) {
	r.TagsParsed.WithLabelValues(kind).Inc()
	r.TagBytes.WithLabelValues(kind).Add(float64(bytes))
}

func (r *Recorder) RecordDroppedTag(reason string) {
	r.TagsDropped.WithLabelValues(reason).Inc()
}

func (r *Recorder) RecordNALUnit(unitType string, bytes int) {
	r.NALUnits.WithLabelValues(unitType).Inc()
	r.NALBytes.Add(float64(bytes))
}

func (r *Recorder) RecordAudioFrame(bytes int, sampleRate uint32, channels uint8) {
	r.AudioFrames.Inc()
	r.AudioBytes.Add(float64(bytes))
	r.AudioSampleRate.Set(float64(sampleRate))
	r.AudioChannels.Set(float64(channels))
}

func (r *Recorder) RecordResolution(width, height uint32) {
	r.VideoWidth.Set(float64(width))
	r.VideoHeight.Set(float64(height))
}

func (r *Recorder) RecordCaption(channel int) {
	r.Captions.WithLabelValues(strconv.Itoa(channel)).Inc()
}

func (r *Recorder) RecordError(kind string) {
	r.Errors.WithLabelValues(kind).Inc()
}

// StreamStarted and StreamEnded track active ingest publishers.
func (r *Recorder) StreamStarted() { r.IngestStreams.Inc() }

func (r *Recorder) StreamEnded() { r.IngestStreams.Dec() }
