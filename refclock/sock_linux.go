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
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/facebook/ntsync/hostendian"
	"github.com/facebook/ntsync/timemath"
)

// sockMagic marks a valid refclock datagram ("SOCK")
const sockMagic = 0x534f434b

// sockSample is the fixed record gpsd and ppswatch write to the
// datagram socket, in native byte order
type sockSample struct {
	TvSec  int64
	TvUsec int64
	Offset float64
	Pulse  int32
	Leap   int32
	Pad    int32
	Magic  int32
}

const sockSampleSize = 40

// SOCKDriver receives samples over a UNIX datagram socket
type SOCKDriver struct {
	fd   int
	path string
}

// Init binds the datagram socket at the configured path
func (d *SOCKDriver) Init(rc *RefClock) error {
	path := rc.opts.Param
	if path == "" {
		return fmt.Errorf("SOCK refclock needs a socket path")
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("creating socket: %w", err)
	}
	os.Remove(path)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("binding %s: %w", path, err)
	}
	d.fd = fd
	d.path = path
	return nil
}

// Finalise closes and removes the socket
func (d *SOCKDriver) Finalise() {
	if d.path != "" {
		unix.Close(d.fd)
		os.Remove(d.path)
		d.path = ""
	}
}

// Poll drains all pending datagrams
func (d *SOCKDriver) Poll(rc *RefClock) {
	buf := make([]byte, sockSampleSize)
	for {
		n, _, err := unix.Recvfrom(d.fd, buf, 0)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err != nil {
			log.Warningf("reading refclock socket %s: %v", d.path, err)
			return
		}
		if n != sockSampleSize {
			log.Debugf("unexpected datagram size %d on %s", n, d.path)
			continue
		}
		d.submit(rc, buf)
	}
}

func (d *SOCKDriver) submit(rc *RefClock, buf []byte) {
	s := &sockSample{}
	if err := binary.Read(bytes.NewReader(buf), hostendian.Order, s); err != nil {
		log.Debugf("undecodable datagram on %s: %v", d.path, err)
		return
	}
	if s.Magic != sockMagic {
		log.Debugf("datagram without magic on %s", d.path)
		return
	}

	t := timemath.Timestamp{Sec: s.TvSec, Nsec: s.TvUsec * 1000}
	leap := LeapNormal
	switch s.Leap {
	case 1:
		leap = LeapInsert
	case 2:
		leap = LeapDelete
	}

	if s.Pulse != 0 {
		rc.AddPulse(t, s.Offset)
	} else {
		rc.AddSample(t, s.Offset, leap)
	}
}
