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

package session

import (
	"os"

	"github.com/pkg/errors"
	"github.com/xtaci/tftpd/wire"
)

// ErrFileExists is returned by NewWriteSession when the target path
// already exists; this server creates exclusively rather than truncating.
var ErrFileExists = errors.New("tftp: file already exists")

// WriteSession drives a WRQ transfer: the server receives DATA blocks
// from the peer and writes them to a newly created local file.
type WriteSession struct {
	file *os.File

	nextExpected uint16
	finished     bool

	// lastAck is the serialized form of the most recently sent ACK, held
	// so the runner can retransmit it verbatim on a receive timeout.
	lastAck []byte

	// BytesReceived accumulates payload bytes written, for stats reporting.
	BytesReceived int64
}

// NewWriteSession creates path exclusively (failing if it already exists)
// and returns a session awaiting block 1. The caller is responsible for
// resolving path under the server's root directory before calling this.
func NewWriteSession(path string) (*WriteSession, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrFileExists
		}
		return nil, errors.Wrap(err, "create for write")
	}
	return &WriteSession{file: f, nextExpected: 1}, nil
}

// Close releases the underlying file handle.
func (s *WriteSession) Close() error {
	return s.file.Close()
}

// Finished reports whether the final (short) block has been received.
func (s *WriteSession) Finished() bool {
	return s.finished
}

// LastAck returns the serialized form of the most recently sent ACK, or
// nil before the first one has been sent.
func (s *WriteSession) LastAck() []byte {
	return s.lastAck
}

// SetLastAck records buf (already serialized by the caller) as the
// retransmit candidate for the next timeout.
func (s *WriteSession) SetLastAck(buf []byte) {
	s.lastAck = append(s.lastAck[:0], buf...)
}

// HandleData applies a received DATA packet, returning the ACK to send
// and ok=true, or ok=false if no ACK should be sent (a future block,
// dropped so the peer retransmits the one actually missing).
//
//   - block == nextExpected: write payload, advance, ack it.
//   - block <  nextExpected: already-accepted retransmit; re-ack without
//     writing (the sorcerer's apprentice mitigation).
//   - block >  nextExpected: drop.
func (s *WriteSession) HandleData(d *wire.DataPacket) (ack wire.Packet, ok bool, err error) {
	switch {
	case d.BlockNum == s.nextExpected:
		if _, err := s.file.Write(d.Payload); err != nil {
			return wire.Packet{}, false, errors.Wrap(err, "write block")
		}
		s.BytesReceived += int64(len(d.Payload))
		if len(d.Payload) < wire.MaxPayload {
			s.finished = true
		}
		acked := d.BlockNum
		s.nextExpected++
		return wire.NewAck(acked), true, nil
	case d.BlockNum < s.nextExpected:
		return wire.NewAck(d.BlockNum), true, nil
	default:
		return wire.Packet{}, false, nil
	}
}
