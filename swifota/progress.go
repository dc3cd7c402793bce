// Copyright 2024 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Package swifota implements the staging-partition writer: it owns a single dynamic UBI volume ("swifota"), chunks arbitrary
// write() calls into LEB-sized writes through package ubi, tracks running
// CRCs for the current inner CWE image and the outer container, and
// snapshots/restores its offsets and CRC state for resume.
package swifota

import "github.com/itchio/headway/state"

// ProgressSink is the narrow interface the writer reports byte progress
// to after every LEB write completes.
type ProgressSink interface {
	Update(written, total int64)
}

type noopSink struct{}

func (noopSink) Update(int64, int64) {}

// ConsumerSink adapts a headway/state.Consumer into a ProgressSink,
// reporting the completed fraction via Consumer.Progress.
func ConsumerSink(c *state.Consumer, total int64) ProgressSink {
	return &consumerSink{c: c, total: total}
}

type consumerSink struct {
	c     *state.Consumer
	total int64
}

func (s *consumerSink) Update(written, _ int64) {
	if s.c == nil || s.total <= 0 {
		return
	}
	s.c.Progress(float64(written) / float64(s.total))
}
