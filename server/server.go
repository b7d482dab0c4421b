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

// Package server implements the TFTP dispatcher: a listener that
// demultiplexes incoming RRQ/WRQ datagrams onto fresh per-session UDP
// endpoints, and the session runners that drive each transfer to
// completion.
package server

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/xtaci/tftpd/stats"
	"github.com/xtaci/tftpd/wire"
)

const (
	// listenTimeout bounds each receive on the well-known port so the
	// running flag can be polled between datagrams.
	listenTimeout = 100 * time.Millisecond
	// sessionTimeout bounds each receive on a session's ephemeral socket.
	sessionTimeout = 2 * time.Second
)

// Server is the process-wide TFTP server state: the root directory files
// are served from and created under, and the shutdown flag the listener
// polls.
type Server struct {
	root    string
	log     *zap.Logger
	stats   *stats.Counters
	running atomic.Bool

	// maxRetries bounds retransmission attempts per outstanding packet.
	// 0 (the default) means unbounded.
	maxRetries int

	// quiet suppresses per-session accepted/complete info logs.
	quiet bool
}

// New constructs a Server rooted at root. log and counters must be
// non-nil; counters may be a fresh &stats.Counters{} if the caller has no
// use for periodic reporting.
func New(root string, log *zap.Logger, counters *stats.Counters, maxRetries int, quiet bool) *Server {
	return &Server{root: root, log: log, stats: counters, maxRetries: maxRetries, quiet: quiet}
}

// logSession logs at info level unless the server is running quiet.
func (s *Server) logSession(msg string, fields ...zap.Field) {
	if s.quiet {
		return
	}
	s.log.Info(msg, fields...)
}

// Stop signals the listener to exit after its next receive or timeout.
// Active session runners are not interrupted.
func (s *Server) Stop() {
	s.running.Store(false)
}

// ListenAndServe binds a UDP socket to 0.0.0.0:port and dispatches
// incoming RRQ/WRQ datagrams to session runners until ctx is canceled or
// Stop is called. It blocks until the listener exits.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	defer conn.Close()

	s.running.Store(true)
	s.log.Info("listening", zap.String("addr", conn.LocalAddr().String()), zap.String("root", s.root))

	go func() {
		<-ctx.Done()
		s.Stop()
		conn.Close()
	}()

	buf := make([]byte, 1024)
	for s.running.Load() {
		conn.SetReadDeadline(time.Now().Add(listenTimeout))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !s.running.Load() {
				return nil
			}
			s.log.Warn("listener read failed", zap.Error(err))
			continue
		}

		pkt, err := wire.Parse(buf[:n])
		if err != nil {
			s.log.Warn("dropping unparseable datagram", zap.Stringer("from", from), zap.Error(err))
			continue
		}

		switch pkt.Op {
		case wire.RRQ, wire.WRQ:
			s.logSession("accepted request",
				zap.Stringer("from", from),
				zap.Stringer("op", pkt.Op),
				zap.String("filename", pkt.Request.Filename),
				zap.Stringer("mode", pkt.Request.Mode))
			s.stats.SessionsStarted.Inc()
			go s.runSession(pkt.Op, pkt.Request, from)
		default:
			s.log.Warn("illegal operation as first packet", zap.Stringer("from", from), zap.Stringer("op", pkt.Op))
			sendOneShotError(conn, from, wire.IllegalOperation, "expected RRQ or WRQ")
		}
	}
	return nil
}

// resolvePath joins filename under root and rejects any result that
// escapes root.
func resolvePath(root, filename string) (string, error) {
	joined := filepath.Join(root, filename)
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", errors.Errorf("path %q escapes root %q", filename, root)
	}
	return joined, nil
}

func sendOneShotError(conn *net.UDPConn, to *net.UDPAddr, code wire.ErrorCode, message string) {
	buf := make([]byte, wire.MaxDatagram)
	n, err := wire.Serialize(wire.NewError(code, message), buf)
	if err != nil {
		return
	}
	conn.WriteToUDP(buf[:n], to)
}
