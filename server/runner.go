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

package server

import (
	"net"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xtaci/tftpd/session"
	"github.com/xtaci/tftpd/wire"
)

// runSession allocates a fresh ephemeral UDP socket bound to the address
// family of the client and drives the chosen state machine to
// completion. It owns that socket and the session's file handle
// exclusively for its entire lifetime.
func (s *Server) runSession(op wire.Opcode, req *wire.RequestPacket, client *net.UDPAddr) {
	conn, err := net.ListenUDP(udpNetwork(client), &net.UDPAddr{IP: bindAddr(client)})
	if err != nil {
		s.log.Error("failed to allocate session socket", zap.Error(err))
		s.stats.SessionsFailed.Inc()
		return
	}
	defer conn.Close()

	path, err := resolvePath(s.root, req.Filename)
	if err != nil {
		code := wire.FileNotFound
		if op == wire.WRQ {
			code = wire.AccessViolation
		}
		s.log.Warn("rejecting path outside root", zap.String("filename", req.Filename), zap.Error(err))
		sendOneShotError(conn, client, code, "Access violation")
		s.stats.SessionsFailed.Inc()
		return
	}

	switch op {
	case wire.RRQ:
		s.runReadSession(conn, client, path)
	case wire.WRQ:
		s.runWriteSession(conn, client, path)
	}
}

func (s *Server) runReadSession(conn *net.UDPConn, client *net.UDPAddr, path string) {
	rs, err := session.NewReadSession(path)
	if err != nil {
		s.log.Warn("read session open failed", zap.String("path", path), zap.Error(err))
		sendOneShotError(conn, client, wire.FileNotFound, "File not found")
		s.stats.SessionsFailed.Inc()
		return
	}
	defer func() {
		if cerr := rs.Close(); cerr != nil {
			s.log.Warn("close read session file", zap.Error(cerr))
		}
	}()

	sendBuf := make([]byte, wire.MaxDatagram)
	recvBuf := make([]byte, wire.MaxDatagram)
	peer := client
	retries := 0
	needSend := true

	for {
		pkt, ok, err := rs.NextPacket()
		if err != nil {
			s.log.Warn("read session aborted: disk read failed", zap.Stringer("peer", peer), zap.Error(err))
			s.stats.SessionsFailed.Inc()
			return
		}
		if !ok {
			s.logSession("read session complete", zap.Stringer("peer", peer), zap.Int64("bytes_sent", rs.BytesSent))
			s.stats.SessionsFinished.Inc()
			s.stats.BytesSent.Add(rs.BytesSent)
			return
		}

		if needSend {
			n, err := wire.Serialize(pkt, sendBuf)
			if err != nil {
				s.log.Error("serialize data packet", zap.Error(err))
				s.stats.SessionsFailed.Inc()
				return
			}
			if _, err := conn.WriteToUDP(sendBuf[:n], peer); err != nil {
				s.log.Warn("send data packet failed", zap.Error(err))
				s.stats.SessionsFailed.Inc()
				return
			}
			conn.SetReadDeadline(time.Now().Add(sessionTimeout))
			needSend = false
		}

		n, from, err := conn.ReadFromUDP(recvBuf)
		if err != nil {
			if isTimeout(err) {
				retries++
				if s.maxRetries > 0 && retries > s.maxRetries {
					s.log.Warn("read session abandoned: retries exhausted", zap.Stringer("peer", peer))
					s.stats.SessionsFailed.Inc()
					return
				}
				s.log.Warn("timeout waiting for ack, retransmitting", zap.Stringer("peer", peer), zap.Uint16("block", pkt.Data.BlockNum))
				needSend = true
				continue
			}
			s.log.Warn("read session receive failed", zap.Error(err))
			s.stats.SessionsFailed.Inc()
			return
		}
		if !sameAddr(from, peer) {
			sendOneShotError(conn, from, wire.UnknownTransferID, "unknown transfer ID")
			continue
		}

		reply, err := wire.Parse(recvBuf[:n])
		if err != nil {
			s.log.Warn("dropping unparseable reply", zap.Error(err))
			continue
		}

		switch reply.Op {
		case wire.ACK:
			if rs.HandleAck(reply.Ack.BlockNum) {
				retries = 0
				needSend = true
			}
			// a mismatched ack is a no-op; the timeout loop retransmits.
		case wire.ERROR:
			s.log.Warn("peer error, aborting read session", zap.Stringer("peer", peer), zap.Stringer("code", reply.Error.Code), zap.String("message", reply.Error.Message))
			s.stats.SessionsFailed.Inc()
			return
		default:
			// stray DATA/Request: ignore and keep waiting.
		}
	}
}

func (s *Server) runWriteSession(conn *net.UDPConn, client *net.UDPAddr, path string) {
	ws, err := session.NewWriteSession(path)
	if err != nil {
		code := wire.AccessViolation
		msg := "Could not create file"
		if err == session.ErrFileExists {
			code = wire.FileAlreadyExists
			msg = "File already exists"
		}
		s.log.Warn("write session create failed", zap.String("path", path), zap.Error(err))
		sendOneShotError(conn, client, code, msg)
		s.stats.SessionsFailed.Inc()
		return
	}
	closeFile := func() error { return ws.Close() }

	sendBuf := make([]byte, wire.MaxDatagram)
	recvBuf := make([]byte, wire.MaxDatagram)
	peer := client
	retries := 0

	ackBuf := make([]byte, wire.MaxDatagram)
	n, err := wire.Serialize(wire.NewAck(0), ackBuf)
	if err != nil {
		s.log.Error("serialize initial ack", zap.Error(multierr.Combine(err, closeFile())))
		s.stats.SessionsFailed.Inc()
		return
	}
	ws.SetLastAck(ackBuf[:n])
	if _, err := conn.WriteToUDP(ackBuf[:n], peer); err != nil {
		s.log.Warn("send initial ack failed", zap.Error(multierr.Combine(err, closeFile())))
		s.stats.SessionsFailed.Inc()
		return
	}

	for !ws.Finished() {
		conn.SetReadDeadline(time.Now().Add(sessionTimeout))
		n, from, err := conn.ReadFromUDP(recvBuf)
		if err != nil {
			if isTimeout(err) {
				retries++
				if s.maxRetries > 0 && retries > s.maxRetries {
					s.log.Warn("write session abandoned: retries exhausted", zap.Stringer("peer", peer))
					closeFile()
					s.stats.SessionsFailed.Inc()
					return
				}
				s.log.Warn("timeout waiting for data, retransmitting ack", zap.Stringer("peer", peer))
				conn.WriteToUDP(ws.LastAck(), peer)
				continue
			}
			s.log.Warn("write session receive failed", zap.Error(err))
			closeFile()
			s.stats.SessionsFailed.Inc()
			return
		}
		if !sameAddr(from, peer) {
			sendOneShotError(conn, from, wire.UnknownTransferID, "unknown transfer ID")
			continue
		}

		pkt, err := wire.Parse(recvBuf[:n])
		if err != nil {
			s.log.Warn("dropping unparseable packet", zap.Error(err))
			continue
		}

		switch pkt.Op {
		case wire.DATA:
			ack, ok, herr := ws.HandleData(pkt.Data)
			if herr != nil {
				s.log.Error("write failed mid-session", zap.Error(herr))
				closeFile()
				s.stats.SessionsFailed.Inc()
				return
			}
			if !ok {
				continue
			}
			retries = 0
			n, err := wire.Serialize(ack, sendBuf)
			if err != nil {
				s.log.Error("serialize ack", zap.Error(err))
				closeFile()
				s.stats.SessionsFailed.Inc()
				return
			}
			if _, err := conn.WriteToUDP(sendBuf[:n], peer); err != nil {
				s.log.Warn("send ack failed", zap.Error(err))
				closeFile()
				s.stats.SessionsFailed.Inc()
				return
			}
			ws.SetLastAck(sendBuf[:n])
		case wire.ERROR:
			s.log.Warn("peer error, aborting write session", zap.Stringer("peer", peer), zap.Stringer("code", pkt.Error.Code), zap.String("message", pkt.Error.Message))
			closeFile()
			s.stats.SessionsFailed.Inc()
			return
		default:
			// stray ACK/Request: ignore.
		}
	}

	if cerr := closeFile(); cerr != nil {
		s.log.Warn("close write session file", zap.Error(cerr))
	}
	s.logSession("write session complete", zap.Stringer("peer", peer), zap.Int64("bytes_received", ws.BytesReceived))
	s.stats.SessionsFinished.Inc()
	s.stats.BytesReceived.Add(ws.BytesReceived)
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

func udpNetwork(addr *net.UDPAddr) string {
	if addr.IP.To4() != nil {
		return "udp4"
	}
	return "udp6"
}

func bindAddr(addr *net.UDPAddr) net.IP {
	if addr.IP.To4() != nil {
		return net.IPv4zero
	}
	return net.IPv6zero
}
