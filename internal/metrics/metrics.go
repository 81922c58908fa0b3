// Package metrics exposes pipeline counters to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	linkUp          prometheus.Gauge
	linkReopens     prometheus.Counter
	commandsSent    *prometheus.CounterVec
	statuses        *prometheus.CounterVec
	parseErrors     prometheus.Counter
	videoConnected  prometheus.Gauge
	framesDemuxed   prometheus.Counter
	orphanFrames    prometheus.Counter
	demuxOverflows  prometheus.Counter
	thumbsDropped   prometheus.Counter
	viewers         prometheus.Gauge
	framesCaptured  prometheus.Counter
	framesThrottled prometheus.Counter
	sweeps          *prometheus.CounterVec
	stitchSeconds   prometheus.Histogram
	sessions        prometheus.Gauge
	sessionsEvicted prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		linkUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rangepano_serial_link_up",
			Help: "1 while the serial port to the positioner is open.",
		}),
		linkReopens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangepano_serial_reopen_attempts_total",
			Help: "Serial port open attempts after a failure or close.",
		}),
		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rangepano_commands_sent_total",
			Help: "Commands written to the positioner, by command.",
		}, []string{"command"}),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rangepano_statuses_received_total",
			Help: "Statuses published on the hub, by kind.",
		}, []string{"kind"}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangepano_status_parse_errors_total",
			Help: "Inbound serial lines that were not valid statuses.",
		}),
		videoConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rangepano_video_connected",
			Help: "1 while the MJPEG source connection is open.",
		}),
		framesDemuxed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangepano_frames_demuxed_total",
			Help: "Complete JPEG frames recovered from the video stream.",
		}),
		orphanFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangepano_frames_orphaned_total",
			Help: "End markers seen without a start marker (partial frames discarded).",
		}),
		demuxOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangepano_demux_overflows_total",
			Help: "Frames dropped for exceeding the demux buffer cap.",
		}),
		thumbsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangepano_thumbnails_skipped_total",
			Help: "Frames not thumbnailed because all workers were busy.",
		}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rangepano_viewers",
			Help: "Connected live video viewers.",
		}),
		framesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangepano_frames_captured_total",
			Help: "Frames accepted into a sweep.",
		}),
		framesThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangepano_frames_throttled_total",
			Help: "Frames rejected by the capture interval.",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rangepano_sweeps_total",
			Help: "Sealed sweeps, by outcome (empty, done, failed).",
		}, []string{"outcome"}),
		stitchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rangepano_stitch_duration_seconds",
			Help:    "Wall time of the external stitcher.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rangepano_sessions",
			Help: "Live remote sessions.",
		}),
		sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangepano_sessions_evicted_total",
			Help: "Sessions removed for missing heartbeats.",
		}),
	}
	reg.MustRegister(
		m.linkUp, m.linkReopens, m.commandsSent, m.statuses, m.parseErrors,
		m.videoConnected, m.framesDemuxed, m.orphanFrames, m.demuxOverflows,
		m.thumbsDropped, m.viewers, m.framesCaptured, m.framesThrottled,
		m.sweeps, m.stitchSeconds, m.sessions, m.sessionsEvicted,
	)
	return m
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func (m *Metrics) LinkUp(up bool) {
	if m == nil {
		return
	}
	m.linkUp.Set(boolGauge(up))
}

func (m *Metrics) LinkReopen() {
	if m == nil {
		return
	}
	m.linkReopens.Inc()
}

func (m *Metrics) CommandSent(command string) {
	if m == nil {
		return
	}
	m.commandsSent.WithLabelValues(command).Inc()
}

func (m *Metrics) StatusReceived(kind string) {
	if m == nil {
		return
	}
	m.statuses.WithLabelValues(kind).Inc()
}

func (m *Metrics) ParseError() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

func (m *Metrics) VideoConnected(up bool) {
	if m == nil {
		return
	}
	m.videoConnected.Set(boolGauge(up))
}

func (m *Metrics) FrameDemuxed() {
	if m == nil {
		return
	}
	m.framesDemuxed.Inc()
}

func (m *Metrics) OrphanFrame() {
	if m == nil {
		return
	}
	m.orphanFrames.Inc()
}

func (m *Metrics) DemuxOverflow() {
	if m == nil {
		return
	}
	m.demuxOverflows.Inc()
}

func (m *Metrics) ThumbnailSkipped() {
	if m == nil {
		return
	}
	m.thumbsDropped.Inc()
}

func (m *Metrics) Viewers(n int) {
	if m == nil {
		return
	}
	m.viewers.Set(float64(n))
}

func (m *Metrics) FrameCaptured() {
	if m == nil {
		return
	}
	m.framesCaptured.Inc()
}

func (m *Metrics) FrameThrottled() {
	if m == nil {
		return
	}
	m.framesThrottled.Inc()
}

func (m *Metrics) SweepSealed(outcome string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StitchDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.stitchSeconds.Observe(d.Seconds())
}

func (m *Metrics) Sessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) SessionsEvicted(n int) {
	if m == nil {
		return
	}
	m.sessionsEvicted.Add(float64(n))
}
