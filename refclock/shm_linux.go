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
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/facebook/ntsync/hostendian"
	"github.com/facebook/ntsync/timemath"
)

// SHMKey is the key of the first NTP SHM segment
// http://doc.ntp.org/current-stable/drivers/driver28.html
const SHMKey = 0x4e545030

// ipcCreat creates the segment if the key is nonexistent
const ipcCreat = 00001000

// shmTimeSize is the size of the shmTime struct
const shmTimeSize = 96

// shmTime is the layout of the segment shared with gpsd and friends
// (ntpd refclock_shm)
type shmTime struct {
	Mode                 int32
	Count                int32
	ClockTimeStampSec    int64
	ClockTimeStampUSec   int32
	_                    int32 // C alignment padding before the next time_t
	ReceiveTimeStampSec  int64
	ReceiveTimeStampUSec int32
	Leap                 int32
	Precision            int32
	Nsamples             int32
	Valid                int32
	ClockTimeStampNSec   int32
	ReceiveTimeStampNSec int32
	Dummy                [8]int32
}

// SHMDriver polls one SysV shared memory refclock segment
type SHMDriver struct {
	segment int
	addr    uintptr
}

// Init attaches the segment SHMKey+param, creating it with mode 0700
// if it does not exist
func (d *SHMDriver) Init(rc *RefClock) error {
	param := 0
	if rc.opts.Param != "" {
		p, err := strconv.Atoi(rc.opts.Param)
		if err != nil {
			return fmt.Errorf("bad SHM segment number %q: %w", rc.opts.Param, err)
		}
		param = p
	}
	id, _, errno := unix.Syscall(unix.SYS_SHMGET, uintptr(SHMKey+param), shmTimeSize, uintptr(ipcCreat|0700))
	if errno != 0 {
		return fmt.Errorf("shmget failed: %s", unix.ErrnoName(errno))
	}
	addr, _, errno := unix.Syscall(unix.SYS_SHMAT, id, 0, 0)
	if errno != 0 {
		return fmt.Errorf("shmat failed: %s", unix.ErrnoName(errno))
	}
	d.segment = int(id)
	d.addr = addr
	return nil
}

// Finalise detaches the segment
func (d *SHMDriver) Finalise() {
	if d.addr != 0 {
		if _, _, errno := unix.Syscall(unix.SYS_SHMDT, d.addr, 0, 0); errno != 0 {
			log.Warningf("shmdt failed: %s", unix.ErrnoName(errno))
		}
		d.addr = 0
	}
}

func (d *SHMDriver) read() (*shmTime, error) {
	// runtime representation of a slice over the raw segment
	var sl = struct {
		addr uintptr
		len  int
		cap  int
	}{d.addr, shmTimeSize, shmTimeSize}
	b := *(*[]byte)(unsafe.Pointer(&sl))

	t := &shmTime{}
	if err := binary.Read(bytes.NewReader(b), hostendian.Order, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Poll reads the segment and submits a sample when the writer marked
// it valid since the last poll
func (d *SHMDriver) Poll(rc *RefClock) {
	t, err := d.read()
	if err != nil {
		log.Warningf("reading SHM segment: %v", err)
		return
	}
	if t.Valid == 0 {
		return
	}

	clockTime := timemath.Timestamp{Sec: t.ClockTimeStampSec, Nsec: int64(t.ClockTimeStampNSec)}
	receiveTime := timemath.Timestamp{Sec: t.ReceiveTimeStampSec, Nsec: int64(t.ReceiveTimeStampNSec)}
	if t.ClockTimeStampNSec == 0 && t.ClockTimeStampUSec != 0 {
		clockTime.Nsec = int64(t.ClockTimeStampUSec) * 1000
		receiveTime.Nsec = int64(t.ReceiveTimeStampUSec) * 1000
	}

	leap := LeapNormal
	switch t.Leap {
	case 1:
		leap = LeapInsert
	case 2:
		leap = LeapDelete
	}

	rc.AddSample(receiveTime, receiveTime.Sub(clockTime), leap)

	// hand the segment back to the writer
	d.clearValid()
}

func (d *SHMDriver) clearValid() {
	var sl = struct {
		addr uintptr
		len  int
		cap  int
	}{d.addr, shmTimeSize, shmTimeSize}
	b := *(*[]byte)(unsafe.Pointer(&sl))
	// Valid sits after Mode, Count, two timestamps (with 4 bytes of
	// padding after the first), Leap, Precision, Nsamples
	const validOffset = 4 + 4 + 8 + 4 + 4 + 8 + 4 + 4 + 4 + 4
	hostendian.Order.PutUint32(b[validOffset:validOffset+4], 0)
}
