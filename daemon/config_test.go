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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebook/ntsync/refclock"
)

func mkRefclock(driver, param, lock string) refclock.Options {
	return refclock.Options{Driver: driver, Param: param, Lock: lock}
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ntsyncd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
driver: timex
interval: 8s
monitoring_port: 9123
tracking:
  drift_file: /var/lib/ntsync/drift
  max_update_skew_ppm: 1000
  local_stratum: 10
refclocks:
  - driver: SHM
    param: "0"
    poll: 4
  - driver: PPS
    param: /dev/pps0
    rate: 1
    lock: "SHM:0"
nts_servers:
  - address: time.example.com
    timeout: 5s
`), 0644))

	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, DriverTimex, cfg.Driver)
	require.Equal(t, 8*time.Second, cfg.Interval)
	require.Equal(t, 9123, cfg.MonitoringPort)
	require.Equal(t, "/var/lib/ntsync/drift", cfg.Tracking.DriftFile)
	require.Len(t, cfg.Refclocks, 2)
	require.Equal(t, "SHM:0", cfg.Refclocks[1].Lock)
	require.Len(t, cfg.NTSServers, 1)
	// timeout from the file, refresh interval filled in by default
	require.Equal(t, 5*time.Second, cfg.NTSServers[0].Timeout)
	require.Equal(t, time.Hour, cfg.NTSServers[0].RefreshInterval)
}

func TestReadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ntsyncd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0644))
	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, DriverTimex, cfg.Driver)
	require.Equal(t, 4*time.Second, cfg.Interval)
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{Driver: "sundial", Interval: time.Second}
	require.Error(t, cfg.Validate())

	cfg = &Config{Driver: DriverTimex}
	require.Error(t, cfg.Validate())

	cfg = &Config{Driver: DriverAdjtime, Interval: time.Second,
		Tracking: TrackingConfig{LocalStratum: 20}}
	require.Error(t, cfg.Validate())

	cfg = &Config{Driver: DriverAdjtime, Interval: time.Second}
	require.NoError(t, cfg.Validate())
}

func TestConfigValidateLockOrder(t *testing.T) {
	cfg := &Config{Driver: DriverTimex, Interval: time.Second}
	cfg.Refclocks = append(cfg.Refclocks,
		// lock target defined after its user
		mkRefclock("PPS", "/dev/pps0", "SHM:0"),
		mkRefclock("SHM", "0", ""),
	)
	require.Error(t, cfg.Validate())

	cfg.Refclocks[0], cfg.Refclocks[1] = cfg.Refclocks[1], cfg.Refclocks[0]
	require.NoError(t, cfg.Validate())
}

func TestReadConfigMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("driver: [broken\n"), 0644))
	_, err := ReadConfig(path)
	require.Error(t, err)
}
