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
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/facebook/ntsync/localclock"
	"github.com/facebook/ntsync/ntske"
	"github.com/facebook/ntsync/refclock"
	"github.com/facebook/ntsync/reference"
	"github.com/facebook/ntsync/timemath"
)

// Daemon owns the clock discipline state and the scheduler driving it
type Daemon struct {
	cfg      *Config
	lcl      *localclock.LocalClock
	tracking *reference.Reference
	clocks   []*refclock.RefClock
	sched    *Scheduler
	stats    *Stats
	registry *prometheus.Registry

	// established NTS-KE material by server address, consumed by the
	// NTP layer
	ntsData map[string]*ntske.Data
}

// New builds the daemon from its configuration
func New(cfg *Config) (*Daemon, error) {
	var driver localclock.Driver
	switch cfg.Driver {
	case DriverTimex:
		d, err := localclock.NewTimexDriver()
		if err != nil {
			return nil, err
		}
		driver = d
	case DriverAdjtime:
		driver = localclock.NewAdjtimeDriver()
	default:
		return nil, fmt.Errorf("unknown clock driver %q", cfg.Driver)
	}

	lcl := localclock.New(driver)
	if cfg.TempCompPPM != 0 {
		lcl.SetTempComp(cfg.TempCompPPM)
	}

	tracking := reference.New(lcl, reference.Config{
		MaxUpdateSkew:       cfg.Tracking.MaxUpdateSkewPPM * 1e-6,
		DriftFile:           cfg.Tracking.DriftFile,
		TrackingLogFile:     cfg.Tracking.TrackingLog,
		LogChangeThreshold:  cfg.Tracking.LogChangeThreshold,
		MailChangeThreshold: cfg.Tracking.MailChangeThreshold,
		MailProgram:         cfg.Tracking.MailProgram,
	})
	if cfg.Tracking.LocalStratum > 0 {
		tracking.EnableLocal(uint8(cfg.Tracking.LocalStratum))
	}

	registry := prometheus.NewRegistry()
	d := &Daemon{
		cfg:      cfg,
		lcl:      lcl,
		tracking: tracking,
		sched:    NewScheduler(),
		stats:    NewStats(registry),
		registry: registry,
		ntsData:  map[string]*ntske.Data{},
	}

	byName := map[string]*refclock.RefClock{}
	for i := range cfg.Refclocks {
		opts := cfg.Refclocks[i]
		drv, err := refclock.CreateDriver(opts.Driver)
		if err != nil {
			return nil, err
		}
		rc, err := refclock.New(lcl, tracking, opts, drv)
		if err != nil {
			return nil, err
		}
		if opts.Lock != "" {
			rc.SetLockRef(byName[opts.Lock])
		}
		byName[opts.Driver+":"+opts.Param] = rc
		d.clocks = append(d.clocks, rc)
	}
	return d, nil
}

// NTSData returns the last established key material for a server
func (d *Daemon) NTSData(address string) (*ntske.Data, bool) {
	data, ok := d.ntsData[address]
	return data, ok
}

// CycleLogFiles reopens the measurement logs, e.g. on SIGHUP
func (d *Daemon) CycleLogFiles() {
	d.sched.Post(d.tracking.CycleLogFiles)
}

// Run drives the daemon until the context is cancelled
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if d.cfg.MonitoringPort > 0 {
		server := &http.Server{
			Addr:    fmt.Sprintf(":%d", d.cfg.MonitoringPort),
			Handler: d.stats.Handler(d.registry),
		}
		g.Go(func() error {
			err := server.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	d.sched.AddTimeoutByDelay(d.cfg.Interval, d.pollSources)
	for i := range d.cfg.NTSServers {
		srv := d.cfg.NTSServers[i]
		d.sched.AddTimeoutByDelay(0, func() { d.startKeyExchange(srv) })
	}

	g.Go(func() error {
		err := d.sched.Run(ctx)
		for _, rc := range d.clocks {
			rc.Finalise()
		}
		if err == context.Canceled {
			return nil
		}
		return err
	})

	return g.Wait()
}

// pollSources runs on the scheduler: poll every refclock, pick the
// best estimate and feed it into the tracking state
func (d *Daemon) pollSources() {
	defer d.sched.AddTimeoutByDelay(d.cfg.Interval, d.pollSources)

	var best *refclock.RefClock
	var bestEst struct {
		offset, offsetSD, freq, skew float64
		t                            timemath.Timestamp
	}
	for _, rc := range d.clocks {
		rc.Poll()
		est, ok := rc.GetEstimate()
		if !ok {
			continue
		}
		if best == nil || est.OffsetSD < bestEst.offsetSD {
			best = rc
			bestEst.offset = est.Offset
			bestEst.offsetSD = est.OffsetSD
			bestEst.freq = est.Freq
			bestEst.skew = est.Skew
			bestEst.t = est.Time
		}
	}
	if best == nil {
		return
	}

	leap := reference.LeapNormal
	switch best.Leap() {
	case refclock.LeapInsert:
		leap = reference.LeapInsertSecond
	case refclock.LeapDelete:
		leap = reference.LeapDeleteSecond
	}

	if !d.tracking.SetReference(0, leap, best.RefID(), bestEst.t,
		bestEst.offset, bestEst.freq, bestEst.skew,
		best.RootDelay(), bestEst.offsetSD) {
		return
	}

	now, _ := d.lcl.CookTime(d.lcl.ReadRawTime())
	p := d.tracking.GetReferenceParams(now)
	d.stats.Update(TrackingStatus{
		Synchronised:   p.IsSynchronised,
		Stratum:        p.Stratum,
		RefID:          timemath.RefIDString(p.RefID),
		FreqPPM:        d.lcl.ReadAbsoluteFrequency(),
		SkewPPM:        d.tracking.Skew() * 1e6,
		Offset:         bestEst.offset,
		RootDelay:      p.RootDelay,
		RootDispersion: p.RootDispersion,
	})
}

// startKeyExchange launches one NTS-KE exchange off the scheduler
// goroutine; the result comes back as a posted event
func (d *Daemon) startKeyExchange(srv NTSServerConfig) {
	client := &ntske.Client{
		Address: srv.Address,
		Timeout: srv.Timeout,
		// certificate validity is judged by the disciplined clock
		Time: func() time.Time {
			cooked, _ := d.lcl.CookTime(d.lcl.ReadRawTime())
			return cooked.Time()
		},
	}
	go func() {
		data, err := client.Exchange()
		d.sched.Post(func() {
			d.finishKeyExchange(srv, client, data, err)
		})
	}()
}

func (d *Daemon) finishKeyExchange(srv NTSServerConfig, client *ntske.Client, data *ntske.Data, err error) {
	delay := srv.RefreshInterval
	if err != nil {
		// back off by the session's retry factor
		delay = time.Duration(math.Min(
			float64(srv.RefreshInterval),
			float64(time.Second)*math.Pow(2.0, float64(client.RetryFactor())),
		))
		log.Warningf("NTS-KE with %s failed, retrying in %s: %v", srv.Address, delay, err)
	} else {
		d.ntsData[srv.Address] = data
		log.Infof("NTS-KE with %s established AEAD %d with %d cookies",
			srv.Address, data.AEADAlgorithm, len(data.Cookies))
	}
	d.sched.AddTimeoutByDelay(delay, func() { d.startKeyExchange(srv) })
}
