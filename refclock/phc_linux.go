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

// ptpMaxSamples is PTP_MAX_SAMPLES from linux/ptp_clock.h
const ptpMaxSamples = 25

// ioctlPTPSysOffset is _IOW('=', 5, struct ptp_sys_offset)
const ioctlPTPSysOffset = 0x43403d05

type ptpClockTime struct {
	Sec      int64
	Nsec     uint32
	Reserved uint32
}

func (t ptpClockTime) timestamp() timemath.Timestamp {
	return timemath.Timestamp{Sec: t.Sec, Nsec: int64(t.Nsec)}
}

type ptpSysOffset struct {
	NSamples uint32
	Rsv      [3]uint32
	TS       [2*ptpMaxSamples + 1]ptpClockTime
}

// PHCDriver samples a PTP hardware clock against the system clock,
// with the PTP_SYS_OFFSET ioctl when the device supports it and
// paired clock_gettime reads otherwise
type PHCDriver struct {
	f        *os.File
	noSysoff bool
}

// clockID derives the dynamic posix clock id from the device fd
func (d *PHCDriver) clockID() int32 {
	return int32((int(^d.f.Fd()) << 3) | 3)
}

// Init opens the PHC device, e.g. /dev/ptp0
func (d *PHCDriver) Init(rc *RefClock) error {
	device := rc.opts.Param
	if device == "" {
		return fmt.Errorf("PHC refclock needs a device path")
	}
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", device, err)
	}
	d.f = f
	return nil
}

// Finalise closes the device
func (d *PHCDriver) Finalise() {
	if d.f != nil {
		d.f.Close()
		d.f = nil
	}
}

// readSysoff measures through the PTP_SYS_OFFSET ioctl and returns
// the system time and offset of the tightest sample
func (d *PHCDriver) readSysoff() (timemath.Timestamp, float64, error) {
	req := &ptpSysOffset{NSamples: 5}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), ioctlPTPSysOffset, uintptr(unsafe.Pointer(req)))
	if errno != 0 {
		return timemath.Timestamp{}, 0, errno
	}

	var bestSys timemath.Timestamp
	var bestOffset, bestInterval float64
	for i := 0; i < int(req.NSamples); i++ {
		t1 := req.TS[2*i].timestamp()
		tp := req.TS[2*i+1].timestamp()
		t2 := req.TS[2*i+2].timestamp()
		interval := t2.Sub(t1)
		sys := t1.Add(interval / 2.0)
		if i == 0 || interval < bestInterval {
			bestInterval = interval
			bestSys = sys
			bestOffset = sys.Sub(tp)
		}
	}
	return bestSys, bestOffset, nil
}

// readGettime falls back to a clock_gettime sandwich
func (d *PHCDriver) readGettime() (timemath.Timestamp, float64, error) {
	var ts unix.Timespec
	var t1, t2 unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &t1); err != nil {
		return timemath.Timestamp{}, 0, err
	}
	if err := unix.ClockGettime(d.clockID(), &ts); err != nil {
		return timemath.Timestamp{}, 0, err
	}
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &t2); err != nil {
		return timemath.Timestamp{}, 0, err
	}
	a := timemath.Timestamp{Sec: t1.Sec, Nsec: t1.Nsec}
	b := timemath.Timestamp{Sec: t2.Sec, Nsec: t2.Nsec}
	phc := timemath.Timestamp{Sec: ts.Sec, Nsec: ts.Nsec}
	sys := a.Add(b.Sub(a) / 2.0)
	return sys, sys.Sub(phc), nil
}

// Poll submits one PHC measurement
func (d *PHCDriver) Poll(rc *RefClock) {
	var sys timemath.Timestamp
	var offset float64
	var err error

	if !d.noSysoff {
		sys, offset, err = d.readSysoff()
		if err == unix.EOPNOTSUPP || err == unix.ENOTTY {
			log.Debugf("PTP_SYS_OFFSET unsupported on %s, using clock_gettime", d.f.Name())
			d.noSysoff = true
		} else if err != nil {
			log.Warningf("PTP_SYS_OFFSET on %s: %v", d.f.Name(), err)
			return
		}
	}
	if d.noSysoff {
		sys, offset, err = d.readGettime()
		if err != nil {
			log.Warningf("reading %s: %v", d.f.Name(), err)
			return
		}
	}

	rc.AddSample(sys, offset, LeapNormal)
}
