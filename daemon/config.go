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

/*
Package daemon ties the clock discipline pieces together: it loads
the configuration, owns the cooperative scheduler and feeds refclock
and NTS-KE results into the tracking state.
*/
package daemon

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/facebook/ntsync/refclock"
)

// Supported clock drivers
const (
	DriverTimex   = "timex"
	DriverAdjtime = "adjtime"
)

// NTSServerConfig is one NTS-KE server to obtain keys from
type NTSServerConfig struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
	// RefreshInterval is how often keys and cookies are renewed
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// Validate NTSServerConfig is sane
func (c *NTSServerConfig) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("nts server address must be set")
	}
	if c.Timeout < 0 || c.RefreshInterval < 0 {
		return fmt.Errorf("nts timeouts must be 0 or positive")
	}
	return nil
}

// TrackingConfig holds the reference/tracking parameters
type TrackingConfig struct {
	DriftFile           string  `yaml:"drift_file"`
	TrackingLog         string  `yaml:"tracking_log"`
	MaxUpdateSkewPPM    float64 `yaml:"max_update_skew_ppm"`
	LogChangeThreshold  float64 `yaml:"log_change_threshold"`
	MailChangeThreshold float64 `yaml:"mail_change_threshold"`
	MailProgram         string  `yaml:"mail_program"`
	LocalStratum        int     `yaml:"local_stratum"`
}

// Validate TrackingConfig is sane
func (c *TrackingConfig) Validate() error {
	if c.MaxUpdateSkewPPM < 0 {
		return fmt.Errorf("max_update_skew_ppm must be 0 or positive")
	}
	if c.LocalStratum < 0 || c.LocalStratum > 15 {
		return fmt.Errorf("local_stratum must be between 0 and 15")
	}
	return nil
}

// Config specifies ntsyncd run options
type Config struct {
	Driver         string            `yaml:"driver"`
	Interval       time.Duration     `yaml:"interval"`
	MonitoringPort int               `yaml:"monitoring_port"`
	Tracking       TrackingConfig    `yaml:"tracking"`
	Refclocks      []refclock.Options `yaml:"refclocks"`
	NTSServers     []NTSServerConfig `yaml:"nts_servers"`
	TempCompPPM    float64           `yaml:"temp_comp_ppm"`
}

// Validate Config is sane
func (c *Config) Validate() error {
	if c.Driver != DriverTimex && c.Driver != DriverAdjtime {
		return fmt.Errorf("driver must be either %q or %q", DriverTimex, DriverAdjtime)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.MonitoringPort < 0 || c.MonitoringPort > 65535 {
		return fmt.Errorf("monitoring_port must be a valid port")
	}
	if err := c.Tracking.Validate(); err != nil {
		return fmt.Errorf("tracking: %w", err)
	}
	names := map[string]bool{}
	for i := range c.Refclocks {
		rc := &c.Refclocks[i]
		if rc.Driver == "" {
			return fmt.Errorf("refclock %d: driver must be set", i)
		}
		if rc.Lock != "" && !names[rc.Lock] {
			return fmt.Errorf("refclock %d: lock target %q not defined before it", i, rc.Lock)
		}
		names[rc.Driver+":"+rc.Param] = true
	}
	for i := range c.NTSServers {
		if err := c.NTSServers[i].Validate(); err != nil {
			return fmt.Errorf("nts server %d: %w", i, err)
		}
	}
	return nil
}

// SetDefaults fills in what the config file left out
func (c *Config) SetDefaults() {
	if c.Driver == "" {
		c.Driver = DriverTimex
	}
	if c.Interval == 0 {
		c.Interval = 4 * time.Second
	}
	for i := range c.NTSServers {
		if c.NTSServers[i].Timeout == 0 {
			c.NTSServers[i].Timeout = 10 * time.Second
		}
		if c.NTSServers[i].RefreshInterval == 0 {
			c.NTSServers[i].RefreshInterval = time.Hour
		}
	}
}

// ReadConfig parses the YAML config from path
func ReadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
