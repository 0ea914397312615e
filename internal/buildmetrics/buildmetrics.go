// Package buildmetrics exposes Prometheus counters and gauges for the
// build-time tools (connectivity, threadify, galaxy-util): messages
// processed, soft per-message errors, and reattachment outcomes. There
// is no long-running RPC surface in this module, so these are served
// over a plain -metrics-addr HTTP listener a tool optionally starts for
// the duration of its single build pass, rather than the always-on
// server the teacher wires prometheus into.
package buildmetrics

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

func init() {
	prometheus.MustRegister(MessagesProcessed)
	prometheus.MustRegister(ToplevelCount)
	prometheus.MustRegister(MissingReferences)
	prometheus.MustRegister(BrokenReferences)
	prometheus.MustRegister(BadDates)
	prometheus.MustRegister(WordsIndexed)
	prometheus.MustRegister(ReattachOutcomes)
	prometheus.MustRegister(GalaxyArchives)
	prometheus.MustRegister(GalaxyMessageIDs)
}

var MessagesProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "uat_build_messages_processed_total",
		Help: "Messages processed by a build tool, by pass",
	},
	[]string{"pass"},
)

var ToplevelCount = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "uat_build_toplevel_messages",
		Help: "Toplevel messages after the most recent connectivity or threadify pass",
	},
)

var MissingReferences = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "uat_build_missing_references_total",
		Help: "References headers resolving to an unknown Message-ID",
	},
)

var BrokenReferences = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "uat_build_broken_references_total",
		Help: "References values whose Message-ID needed whitespace stripped",
	},
)

var BadDates = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "uat_build_bad_dates_total",
		Help: "Date headers that failed to parse",
	},
)

var WordsIndexed = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "uat_build_lexicon_words",
		Help: "Distinct words in the most recently built lexicon",
	},
)

var ReattachOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "uat_build_reattach_outcomes_total",
		Help: "Threader orphan-reattachment outcomes, by kind",
	},
	[]string{"outcome"}, // new, sure, bad
)

var GalaxyArchives = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "uat_build_galaxy_archives",
		Help: "Archives bundled into the most recently built galaxy",
	},
)

var GalaxyMessageIDs = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "uat_build_galaxy_message_ids",
		Help: "Unique Message-IDs in the most recently built galaxy",
	},
)

// Serve starts a metrics HTTP listener on addr and returns it; the
// caller is responsible for shutting it down (typically deferred for
// the duration of one build-tool invocation). A blank addr is a no-op.
func Serve(ctx context.Context, addr string) (*http.Server, error) {
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			klog.Errorf("buildmetrics: serve %s: %v", addr, err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	return srv, nil
}
