package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.EventMerged("standup", "push")
	m.Duplicate("standup")
	m.Evicted("standups", 3)
	m.Discard("stale_scope")
	m.SubscriberPanic()
	m.SetFeedSize("standups", 1)
	m.SetConnectionStatus(2)
	m.ReconnectAttempt()
	m.TransportDowngrade()
	m.Bridge(true)
	m.LiveQueryError("activity")
	m.RelayConnection("websocket", 1)
	m.RelayMessage("ping")
}

func TestCountersRegisterOnRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.EventMerged("standup", "push")
	m.EventMerged("standup", "push")
	m.EventMerged("activity", "store")
	m.Evicted("standups", 2)
	m.Evicted("standups", 0)

	expected := `
		# HELP upstand_events_merged_total Events applied to a realtime feed
		# TYPE upstand_events_merged_total counter
		upstand_events_merged_total{kind="activity",source="store"} 1
		upstand_events_merged_total{kind="standup",source="push"} 2
	`
	if err := testutil.CollectAndCompare(m.EventsMerged, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected events metric: %v", err)
	}
	if got := testutil.ToFloat64(m.Evictions.WithLabelValues("standups")); got != 2 {
		t.Errorf("evictions = %v, want 2", got)
	}

	count, err := testutil.GatherAndCount(registry, "upstand_events_merged_total")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if count != 2 {
		t.Errorf("gathered %d series, want 2", count)
	}
}
