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
	"context"
	"os"
	"os/signal"
	"syscall"

	sddaemon "github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/ntsync/daemon"
)

var runConfigFlag string

func init() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runConfigFlag, "config", "c", "/etc/ntsyncd.yaml", "path to config file")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the clock discipline daemon",
	Run: func(c *cobra.Command, args []string) {
		ConfigureVerbosity()

		cfg, err := daemon.ReadConfig(runConfigFlag)
		if err != nil {
			log.Fatal(err)
		}
		d, err := daemon.New(cfg)
		if err != nil {
			log.Fatal(err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		go func() {
			for range hup {
				log.Info("cycling log files")
				d.CycleLogFiles()
			}
		}()

		if ok, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
			log.Warningf("failed to notify systemd: %v", err)
		} else if ok {
			log.Debug("notified systemd we are ready")
		}

		if err := d.Run(ctx); err != nil && err != context.Canceled {
			log.Fatal(err)
		}
	},
}
