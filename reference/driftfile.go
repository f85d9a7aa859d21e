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

package reference

import (
	"fmt"
	"os"
	"syscall"
)

// ReadDriftFile parses the remembered frequency and skew, both in ppm
func ReadDriftFile(path string) (freqPPM, skewPPM float64, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	if _, err := fmt.Sscanf(string(b), "%f %f", &freqPPM, &skewPPM); err != nil {
		return 0, 0, fmt.Errorf("malformed drift file: %w", err)
	}
	return freqPPM, skewPPM, nil
}

// WriteDriftFile atomically replaces the drift file: write the line to
// <path>.tmp, clone ownership and mode from the existing file, rename
func WriteDriftFile(path string, freqPPM, skewPPM float64) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%20.4f %20.4f\n", freqPPM, skewPPM); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if st, err := os.Stat(path); err == nil {
		if sys, ok := st.Sys().(*syscall.Stat_t); ok {
			// ignore failures, we may not be privileged
			_ = os.Chown(tmp, int(sys.Uid), int(sys.Gid))
		}
		_ = os.Chmod(tmp, st.Mode().Perm())
	}

	return os.Rename(tmp, path)
}
