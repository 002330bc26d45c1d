package replication

import (
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/caio/go-tdigest/v4"
)

// latencyBuckets defines the buckets for ack latency histograms (in seconds).
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Metrics holds the expvar variables of one replication engine.
type Metrics struct {
	PublishedGlobally bool

	BatchesSentTotal     *expvar.Int
	BatchesRejectedTotal *expvar.Int
	SendErrorsTotal      *expvar.Int
	RecordsSentTotal     *expvar.Int
	PayloadBytesTotal    *expvar.Int
	CursorErrorsTotal    *expvar.Int
	SnapshotsTotal       *expvar.Int
	LiveSamplesTotal     *expvar.Int
	LiveEmitsTotal       *expvar.Int
	FailedSavedTotal     *expvar.Int
	FailedResentTotal    *expvar.Int
	ConnectsTotal        *expvar.Map

	AckLatencyHist *expvar.Map

	digestMu  sync.Mutex
	ackDigest *tdigest.TDigest
}

// NewMetrics creates the engine metrics. With publishGlobally the variables
// are registered under prefix in the global expvar namespace so the debug
// server exports them.
func NewMetrics(publishGlobally bool, prefix string) *Metrics {
	newInt := func(_ string) *expvar.Int { return new(expvar.Int) }
	newMap := func(_ string) *expvar.Map {
		m := new(expvar.Map)
		m.Init()
		return m
	}
	if publishGlobally {
		newInt = publishExpvarInt
		newMap = publishExpvarMap
	}

	digest, err := tdigest.New()
	if err != nil {
		// Only fails on invalid options.
		panic(fmt.Sprintf("tdigest.New failed: %v", err))
	}

	m := &Metrics{
		PublishedGlobally:    publishGlobally,
		BatchesSentTotal:     newInt(prefix + "batches_sent_total"),
		BatchesRejectedTotal: newInt(prefix + "batches_rejected_total"),
		SendErrorsTotal:      newInt(prefix + "send_errors_total"),
		RecordsSentTotal:     newInt(prefix + "records_sent_total"),
		PayloadBytesTotal:    newInt(prefix + "payload_bytes_total"),
		CursorErrorsTotal:    newInt(prefix + "cursor_errors_total"),
		SnapshotsTotal:       newInt(prefix + "snapshots_total"),
		LiveSamplesTotal:     newInt(prefix + "live_samples_total"),
		LiveEmitsTotal:       newInt(prefix + "live_emits_total"),
		FailedSavedTotal:     newInt(prefix + "failed_saved_total"),
		FailedResentTotal:    newInt(prefix + "failed_resent_total"),
		ConnectsTotal:        newMap(prefix + "connects_total"),
		AckLatencyHist:       newMap(prefix + "ack_latency_seconds"),
		ackDigest:            digest,
	}

	m.AckLatencyHist.Set("count", new(expvar.Int))
	m.AckLatencyHist.Set("sum", new(expvar.Float))
	for _, b := range latencyBuckets {
		m.AckLatencyHist.Set(fmt.Sprintf("le_%.3f", b), new(expvar.Int))
	}
	m.AckLatencyHist.Set("le_inf", new(expvar.Int))

	if publishGlobally {
		publishExpvarFunc(prefix+"ack_latency_quantiles", func() interface{} {
			return m.AckLatencyQuantiles()
		})
	}
	return m
}

// ObserveAck records the round trip of one acknowledged request.
func (m *Metrics) ObserveAck(d time.Duration) {
	if m == nil {
		return
	}
	seconds := d.Seconds()
	observeLatency(m.AckLatencyHist, seconds)

	m.digestMu.Lock()
	_ = m.ackDigest.AddWeighted(seconds, 1)
	m.digestMu.Unlock()
}

// AckLatencyQuantiles returns p50/p95/p99 of the ack latency in seconds.
func (m *Metrics) AckLatencyQuantiles() map[string]float64 {
	m.digestMu.Lock()
	defer m.digestMu.Unlock()
	out := make(map[string]float64, 3)
	if m.ackDigest.Count() == 0 {
		return out
	}
	out["p50"] = m.ackDigest.Quantile(0.50)
	out["p95"] = m.ackDigest.Quantile(0.95)
	out["p99"] = m.ackDigest.Quantile(0.99)
	return out
}

// observeLatency records the duration in the provided histogram map.
func observeLatency(histMap *expvar.Map, durationSeconds float64) {
	if histMap == nil {
		return
	}
	if countInt, ok := histMap.Get("count").(*expvar.Int); ok {
		countInt.Add(1)
	}
	if sumFloat, ok := histMap.Get("sum").(*expvar.Float); ok {
		sumFloat.Add(durationSeconds)
	}
	for _, b := range latencyBuckets {
		if durationSeconds <= b {
			if bucketInt, ok := histMap.Get(fmt.Sprintf("le_%.3f", b)).(*expvar.Int); ok {
				bucketInt.Add(1)
			}
		}
	}
	if infInt, ok := histMap.Get("le_inf").(*expvar.Int); ok {
		infInt.Add(1)
	}
}

// publishExpvarInt safely publishes an expvar.Int.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

// publishExpvarMap safely publishes an expvar.Map.
func publishExpvarMap(name string) *expvar.Map {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewMap(name)
	}
	if mv, ok := v.(*expvar.Map); ok {
		mv.Init()
		return mv
	}
	panic(fmt.Sprintf("expvar: trying to publish Map %s but variable already exists with different type %T", name, v))
}

// publishExpvarFunc publishes f unless name already exists.
func publishExpvarFunc(name string, f func() interface{}) {
	if expvar.Get(name) != nil {
		return
	}
	expvar.Publish(name, expvar.Func(f))
}
