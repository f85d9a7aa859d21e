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
Package hostendian reports the byte order of the machine this code
runs on. The SHM and SOCK refclock records are written by other local
processes in native order, so decoding them needs the real host order
rather than an assumed one.
*/
package hostendian

import (
	"encoding/binary"
	"unsafe"
)

// Order is the native byte order
var Order binary.ByteOrder = binary.LittleEndian

// IsBigEndian is true on big endian machines
var IsBigEndian bool

func init() {
	probe := uint16(0x0100)
	if *(*byte)(unsafe.Pointer(&probe)) == 0x01 {
		IsBigEndian = true
		Order = binary.BigEndian
	}
}
