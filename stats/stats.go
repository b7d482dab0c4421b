// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package stats accumulates server-wide transfer counters and, if
// configured, periodically appends them to a CSV log.
package stats

import (
	"fmt"

	"go.uber.org/atomic"
)

// Counters tracks server-wide TFTP activity. All fields are safe for
// concurrent use by every session runner.
type Counters struct {
	SessionsStarted  atomic.Int64
	SessionsFinished atomic.Int64
	SessionsFailed   atomic.Int64
	BytesSent        atomic.Int64
	BytesReceived    atomic.Int64
}

// Header returns the CSV column names, in the same order as ToSlice.
func (c *Counters) Header() []string {
	return []string{
		"sessions_started",
		"sessions_finished",
		"sessions_failed",
		"bytes_sent",
		"bytes_received",
	}
}

// ToSlice returns a CSV row snapshotting the current counters, in the
// same order as Header.
func (c *Counters) ToSlice() []string {
	return []string{
		fmt.Sprint(c.SessionsStarted.Load()),
		fmt.Sprint(c.SessionsFinished.Load()),
		fmt.Sprint(c.SessionsFailed.Load()),
		fmt.Sprint(c.BytesSent.Load()),
		fmt.Sprint(c.BytesReceived.Load()),
	}
}
