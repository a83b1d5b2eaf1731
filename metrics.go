package relay

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricSessionOpenedCount     = []string{"relay", "session", "opened", "count"}
	MetricSessionClosedCount     = []string{"relay", "session", "closed", "count"}
	MetricSessionIdleCount       = []string{"relay", "session", "idle", "count"}
	MetricSessionErrorCount      = []string{"relay", "session", "error", "count"}
	MetricSessionInBytes         = []string{"relay", "session", "in", "bytes"}
	MetricSessionOutBytes        = []string{"relay", "session", "out", "bytes"}
	MetricMessageDroppedCount    = []string{"relay", "message", "dropped", "count"}
	MetricListenerPanicCount     = []string{"relay", "listener", "panic", "count"}
	MetricFutureTimeoutCount     = []string{"relay", "future", "timeout", "count"}
	MetricConnEstInCount         = []string{"relay", "connection", "established", "in", "count"}
	MetricConnEstOutCount        = []string{"relay", "connection", "established", "out", "count"}
	MetricConnEstInErrorCount    = []string{"relay", "connection", "establishment", "in", "error", "count"}
	MetricConnEstOutErrorCount   = []string{"relay", "connection", "establishment", "out", "error", "count"}
	MetricDiscoveryPeerJoinCount = []string{"relay", "discovery", "peer", "join", "count"}
	MetricDiscoveryPeerLeftCount = []string{"relay", "discovery", "peer", "left", "count"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelPeerAddr    TelemetryLabel = "peer_addr"
	LabelPeerName    TelemetryLabel = "peer_name"
	LabelSessionID   TelemetryLabel = "session_id"
	LabelMessageType TelemetryLabel = "message_type"
	LabelEndpoint    TelemetryLabel = "endpoint"
	LabelCause       TelemetryLabel = "cause"
	LabelDuration    TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
