package observability

import (
	"testing"
	"time"

	"github.com/danmuck/tensorpool/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("tpoolctl", "GET", "/healthz", 200, 12*time.Millisecond)
	RecordAttach("producer", "ok")
	RecordLeaseEvent("revoked", "expired")
}

func TestFrameCounters(t *testing.T) {
	testlog.Start(t)
	const stream = 424242
	before := testutil.ToFloat64(frameReads.WithLabelValues(streamLabel(stream), ReadMissed))
	RecordFrameRead(stream, ReadMissed)
	RecordFrameRead(stream, ReadMissed)
	if got := testutil.ToFloat64(frameReads.WithLabelValues(streamLabel(stream), ReadMissed)); got != before+2 {
		t.Fatalf("missed reads got=%v want=%v", got, before+2)
	}

	RecordFramePublished(stream)
	RecordDescriptorFailure(stream)
	if got := testutil.ToFloat64(framesPublished.WithLabelValues(streamLabel(stream))); got < 1 {
		t.Fatalf("published frames got=%v", got)
	}
	if got := testutil.ToFloat64(descriptorFailures.WithLabelValues(streamLabel(stream))); got < 1 {
		t.Fatalf("descriptor failures got=%v", got)
	}
}
