package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eclipse-zenoh/zenoh-pico-go/internal/metrics"
)

func TestCollectorRegistersAndCounts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncFramesSent("reliable")
	c.IncFramesReceived("reliable")
	c.IncFramesDropped("best_effort")
	c.IncFragments("tx")
	c.IncKeepAlives("rx")
	c.IncLeaseExpirations()
	c.SetPeers(3)
	c.IncSamplesDelivered()
	c.IncQueriesIssued()
	c.IncRepliesReceived()
	c.SetPendingQueries(2)
	c.SetEntities("subscriber", 5)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	want := map[string]bool{
		"zenoh_session_frames_sent_total":       false,
		"zenoh_session_frames_received_total":   false,
		"zenoh_session_frames_dropped_total":    false,
		"zenoh_session_fragments_total":         false,
		"zenoh_session_keepalives_total":        false,
		"zenoh_session_lease_expirations_total": false,
		"zenoh_session_peers":                   false,
		"zenoh_session_samples_delivered_total": false,
		"zenoh_session_queries_issued_total":    false,
		"zenoh_session_replies_received_total":  false,
		"zenoh_session_pending_queries":         false,
		"zenoh_session_entities":                false,
	}
	for _, mf := range families {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

func TestCollectorDoubleRegisterPanics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg)
	defer func() {
		if recover() == nil {
			t.Error("second registration did not panic")
		}
	}()
	metrics.NewCollector(reg)
}
