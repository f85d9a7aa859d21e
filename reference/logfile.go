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

	log "github.com/sirupsen/logrus"
)

// LogFile is an append-only human-oriented measurement log that
// repeats its header every headerInterval records
type LogFile struct {
	path           string
	header         string
	headerInterval int

	f     *os.File
	count int
}

// NewLogFile sets up the log; the file is opened lazily on the first
// record so a missing log directory only warns once writes start
func NewLogFile(path, header string, headerInterval int) *LogFile {
	return &LogFile{path: path, header: header, headerInterval: headerInterval}
}

func (l *LogFile) open() error {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	l.f = f
	return nil
}

// WriteRecord appends one record, emitting the header when due
func (l *LogFile) WriteRecord(record string) {
	if l.f == nil {
		if err := l.open(); err != nil {
			log.Warningf("could not open log file %s: %v", l.path, err)
			return
		}
	}
	if l.count%l.headerInterval == 0 {
		fmt.Fprintf(l.f, "%s\n%s\n", l.header, separator(len(l.header)))
	}
	l.count++
	fmt.Fprintln(l.f, record)
}

func separator(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '='
	}
	return string(b)
}

// Cycle closes and reopens the same path, for logrotate
func (l *LogFile) Cycle() {
	if l.f != nil {
		l.f.Close()
		l.f = nil
	}
	if err := l.open(); err != nil {
		log.Warningf("could not reopen log file %s: %v", l.path, err)
	}
}
