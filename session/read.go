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

// Package session implements the two per-transfer TFTP state machines:
// ReadSession (server sends a file) and WriteSession (server receives
// one). Neither owns a socket; both are driven by a caller that supplies
// received packets and consumes produced ones.
package session

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/xtaci/tftpd/wire"
)

// ReadSession drives an RRQ transfer: the server reads a local file and
// emits DATA blocks, advancing on matching ACKs.
type ReadSession struct {
	file *os.File

	nextBlock   uint16
	blockBuffer [wire.MaxPayload]byte
	blockLen    int
	blockLoaded bool
	eofSeen     bool
	finished    bool
	readErr     error

	// BytesSent accumulates payload bytes emitted, for stats reporting.
	BytesSent int64
}

// NewReadSession opens path for reading and returns a session
// positioned at block 1. The caller is responsible for resolving
// path under the server's root directory before calling this.
func NewReadSession(path string) (*ReadSession, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open for read")
	}
	return &ReadSession{file: f, nextBlock: 1}, nil
}

// Close releases the underlying file handle.
func (s *ReadSession) Close() error {
	return s.file.Close()
}

// Finished reports whether the final block has been acknowledged.
func (s *ReadSession) Finished() bool {
	return s.finished
}

// NextPacket returns the DATA packet to (re)transmit, loading a fresh
// block from disk on first call and after each successful HandleAck. It
// returns ok=false once the session is Finished. A non-nil err means the
// underlying file could not be read; the session is unusable from that
// point on and the caller must abort without sending further DATA.
func (s *ReadSession) NextPacket() (pkt wire.Packet, ok bool, err error) {
	if s.readErr != nil {
		return wire.Packet{}, false, s.readErr
	}
	if s.finished {
		return wire.Packet{}, false, nil
	}
	if !s.blockLoaded {
		n, rerr := readFull(s.file, s.blockBuffer[:])
		if rerr != nil {
			s.readErr = rerr
			return wire.Packet{}, false, rerr
		}
		s.blockLen = n
		s.blockLoaded = true
		if n < wire.MaxPayload {
			s.eofSeen = true
		}
	}
	payload := make([]byte, s.blockLen)
	copy(payload, s.blockBuffer[:s.blockLen])
	return wire.NewData(s.nextBlock, payload), true, nil
}

// HandleAck applies a received ACK. It returns true if the ack matched
// the block currently awaiting acknowledgment and the state machine
// advanced (or finished); any other block number is a no-op that returns
// false, leaving the runner to retransmit on its own timeout.
func (s *ReadSession) HandleAck(block uint16) bool {
	if block != s.nextBlock {
		return false
	}
	s.BytesSent += int64(s.blockLen)
	if s.eofSeen {
		s.finished = true
		return true
	}
	s.nextBlock++
	s.blockLoaded = false
	return true
}

// readFull reads up to len(buf) bytes, returning fewer than len(buf) only
// at EOF — equivalent to io.ReadFull but treating a short final read as
// success.
func readFull(f *os.File, buf []byte) (int, error) {
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return n, err
	}
	return n, nil
}
