/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package daemon

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/eclesh/welford"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TrackingStatus is what the monitoring endpoint reports
type TrackingStatus struct {
	Synchronised   bool    `json:"synchronised"`
	Stratum        uint8   `json:"stratum"`
	RefID          string  `json:"ref_id"`
	FreqPPM        float64 `json:"freq_ppm"`
	SkewPPM        float64 `json:"skew_ppm"`
	Offset         float64 `json:"offset"`
	RootDelay      float64 `json:"root_delay"`
	RootDispersion float64 `json:"root_dispersion"`
	Updates        uint64  `json:"updates"`
	OffsetMean     float64 `json:"offset_mean"`
	OffsetStddev   float64 `json:"offset_stddev"`
}

// Stats collects tracking statistics for Prometheus and the JSON
// status endpoint
type Stats struct {
	mu     sync.Mutex
	status TrackingStatus
	// running statistics over all updates since start
	offsets *welford.Stats

	offsetGauge   prometheus.Gauge
	freqGauge     prometheus.Gauge
	skewGauge     prometheus.Gauge
	rootDelay     prometheus.Gauge
	rootDisp      prometheus.Gauge
	syncGauge     prometheus.Gauge
	updateCounter prometheus.Counter
}

// NewStats creates and registers the collectors
func NewStats(reg prometheus.Registerer) *Stats {
	s := &Stats{
		offsets: welford.New(),
		offsetGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ntsync_offset_seconds",
			Help: "Last offset applied to the clock",
		}),
		freqGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ntsync_frequency_ppm",
			Help: "Absolute clock frequency",
		}),
		skewGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ntsync_skew_ppm",
			Help: "Estimated frequency skew",
		}),
		rootDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ntsync_root_delay_seconds",
			Help: "Root delay of the current reference",
		}),
		rootDisp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ntsync_root_dispersion_seconds",
			Help: "Root dispersion of the current reference",
		}),
		syncGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ntsync_synchronised",
			Help: "Whether the clock follows a reference",
		}),
		updateCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ntsync_updates_total",
			Help: "Reference updates applied",
		}),
	}
	reg.MustRegister(s.offsetGauge, s.freqGauge, s.skewGauge,
		s.rootDelay, s.rootDisp, s.syncGauge, s.updateCounter)
	return s
}

// Update records one applied reference update
func (s *Stats) Update(status TrackingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.offsets.Add(status.Offset)
	status.Updates = s.status.Updates + 1
	status.OffsetMean = s.offsets.Mean()
	status.OffsetStddev = s.offsets.Stddev()
	s.status = status

	s.offsetGauge.Set(status.Offset)
	s.freqGauge.Set(status.FreqPPM)
	s.skewGauge.Set(status.SkewPPM)
	s.rootDelay.Set(status.RootDelay)
	s.rootDisp.Set(status.RootDispersion)
	s.updateCounter.Inc()
	if status.Synchronised {
		s.syncGauge.Set(1)
	} else {
		s.syncGauge.Set(0)
	}
}

// SetUnsynchronised flips only the synchronisation state
func (s *Stats) SetUnsynchronised() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Synchronised = false
	s.syncGauge.Set(0)
}

// Status returns a copy of the current tracking status
func (s *Stats) Status() TrackingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Handler serves the JSON status and Prometheus metrics
func (s *Stats) Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}
