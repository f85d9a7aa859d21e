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

package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/ntsync/daemon"
)

var statusURLFlag string

func init() {
	RootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusURLFlag, "url", "u", "http://localhost:9123", "monitoring endpoint of the running daemon")
}

func fetchStatus(url string) (*daemon.TrackingStatus, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url + "/status")
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s from %s", resp.Status, url)
	}
	status := &daemon.TrackingStatus{}
	if err := json.NewDecoder(resp.Body).Decode(status); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return status, nil
}

func printStatus(s *daemon.TrackingStatus) {
	sync := color.RedString("no")
	if s.Synchronised {
		sync = color.GreenString("yes")
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"field", "value"})
	table.Append([]string{"synchronised", sync})
	table.Append([]string{"reference", s.RefID})
	table.Append([]string{"stratum", fmt.Sprintf("%d", s.Stratum)})
	table.Append([]string{"frequency (ppm)", fmt.Sprintf("%.3f", s.FreqPPM)})
	table.Append([]string{"skew (ppm)", fmt.Sprintf("%.3f", s.SkewPPM)})
	table.Append([]string{"last offset", fmt.Sprintf("%.9f", s.Offset)})
	table.Append([]string{"offset mean", fmt.Sprintf("%.9f", s.OffsetMean)})
	table.Append([]string{"offset stddev", fmt.Sprintf("%.9f", s.OffsetStddev)})
	table.Append([]string{"root delay", fmt.Sprintf("%.9f", s.RootDelay)})
	table.Append([]string{"root dispersion", fmt.Sprintf("%.9f", s.RootDispersion)})
	table.Append([]string{"updates", fmt.Sprintf("%d", s.Updates)})
	table.Render()
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tracking status of the running daemon",
	Run: func(c *cobra.Command, args []string) {
		ConfigureVerbosity()
		status, err := fetchStatus(statusURLFlag)
		if err != nil {
			log.Fatal(err)
		}
		printStatus(status)
	},
}
