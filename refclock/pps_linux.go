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

package refclock

import (
	"fmt"
	"os"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/facebook/ntsync/timemath"
)

// ioctlPPSFetch is _IOWR('p', 0xa4, struct pps_fdata) from the Linux
// PPSAPI (RFC 2783)
const ioctlPPSFetch = 0xc04070a4

type ppsKtime struct {
	Sec   int64
	Nsec  int32
	Flags uint32
}

type ppsKinfo struct {
	AssertSequence uint32
	ClearSequence  uint32
	AssertTu       ppsKtime
	ClearTu        ppsKtime
	CurrentMode    int32
	Pad            int32
}

type ppsFdata struct {
	Info    ppsKinfo
	Timeout ppsKtime
}

// PPSDriver fetches pulse timestamps from a /dev/pps* device
type PPSDriver struct {
	f       *os.File
	lastSeq uint32
}

// Init opens the PPS device
func (d *PPSDriver) Init(rc *RefClock) error {
	device := rc.opts.Param
	if device == "" {
		return fmt.Errorf("PPS refclock needs a device path")
	}
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", device, err)
	}
	d.f = f
	return nil
}

// Finalise closes the device
func (d *PPSDriver) Finalise() {
	if d.f != nil {
		d.f.Close()
		d.f = nil
	}
}

// Poll fetches the latest assert edge and submits it if it is new
func (d *PPSDriver) Poll(rc *RefClock) {
	data := &ppsFdata{}
	// zero timeout makes the fetch non-blocking
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), ioctlPPSFetch, uintptr(unsafe.Pointer(data)))
	if errno != 0 {
		log.Warningf("PPS_FETCH on %s: %s", d.f.Name(), unix.ErrnoName(errno))
		return
	}
	seq := data.Info.AssertSequence
	if seq == d.lastSeq {
		return
	}
	d.lastSeq = seq

	t := timemath.Timestamp{Sec: data.Info.AssertTu.Sec, Nsec: int64(data.Info.AssertTu.Nsec)}
	rc.AddPulse(t, float64(data.Info.AssertTu.Nsec)/1e9)
}
