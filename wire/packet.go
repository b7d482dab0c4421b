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

package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// MaxPayload is the largest DATA payload a block may carry before the
// transfer is considered to end on the next, necessarily short, block.
const MaxPayload = 512

// MaxDatagram is the largest TFTP datagram this server will construct or
// accept: 2 opcode + 2 block/code + 512 payload.
const MaxDatagram = 4 + MaxPayload

var separator = []byte{0}

// Sentinel parse/serialize errors. Checked with errors.Is; wrapped with
// additional context via github.com/pkg/errors where useful.
var (
	ErrInvalidPacket  = errors.New("tftp: invalid packet")
	ErrInvalidOpcode  = errors.New("tftp: invalid opcode")
	ErrInvalidMode    = errors.New("tftp: invalid mode")
	ErrBufferTooSmall = errors.New("tftp: buffer too small")
)

// Packet is the tagged union of the five RFC 1350 message types. Exactly
// one of the embedded *Packet fields is non-nil; Op reports which.
type Packet struct {
	Op      Opcode
	Request *RequestPacket
	Data    *DataPacket
	Ack     *AckPacket
	Error   *ErrorPacket
}

// RequestPacket is the shared layout of RRQ and WRQ; Op on the owning
// Packet distinguishes which.
type RequestPacket struct {
	Filename string
	Mode     Mode
}

// DataPacket carries up to MaxPayload bytes of file content for BlockNum.
type DataPacket struct {
	BlockNum uint16
	Payload  []byte
}

// AckPacket acknowledges BlockNum.
type AckPacket struct {
	BlockNum uint16
}

// ErrorPacket reports a peer-visible failure.
type ErrorPacket struct {
	Code    ErrorCode
	Message string
}

// Parse decodes buf into a Packet. buf must be at least 2 bytes (the
// opcode). The returned Packet owns copies of any variable-length fields;
// buf may be reused by the caller immediately after Parse returns.
func Parse(buf []byte) (Packet, error) {
	if len(buf) < 2 {
		return Packet{}, errors.WithStack(ErrInvalidPacket)
	}
	op := Opcode(binary.BigEndian.Uint16(buf[:2]))
	body := buf[2:]

	switch op {
	case RRQ, WRQ:
		req, err := parseRequest(body)
		if err != nil {
			return Packet{}, err
		}
		return Packet{Op: op, Request: req}, nil
	case DATA:
		d, err := parseData(body)
		if err != nil {
			return Packet{}, err
		}
		return Packet{Op: op, Data: d}, nil
	case ACK:
		a, err := parseAck(body)
		if err != nil {
			return Packet{}, err
		}
		return Packet{Op: op, Ack: a}, nil
	case ERROR:
		e, err := parseError(body)
		if err != nil {
			return Packet{}, err
		}
		return Packet{Op: op, Error: e}, nil
	default:
		return Packet{}, errors.Wrapf(ErrInvalidOpcode, "opcode %d", uint16(op))
	}
}

func parseRequest(body []byte) (*RequestPacket, error) {
	parts := bytes.SplitN(body, separator, 2)
	if len(parts) != 2 {
		return nil, errors.WithStack(ErrInvalidPacket)
	}
	filename := parts[0]

	rest := bytes.SplitN(parts[1], separator, 2)
	if len(rest) != 2 {
		return nil, errors.WithStack(ErrInvalidPacket)
	}
	mode, ok := parseMode(string(rest[0]))
	if !ok {
		return nil, errors.Wrapf(ErrInvalidMode, "mode %q", rest[0])
	}
	return &RequestPacket{Filename: string(filename), Mode: mode}, nil
}

func parseData(body []byte) (*DataPacket, error) {
	if len(body) < 2 {
		return nil, errors.WithStack(ErrInvalidPacket)
	}
	block := binary.BigEndian.Uint16(body[:2])
	payload := make([]byte, len(body)-2)
	copy(payload, body[2:])
	return &DataPacket{BlockNum: block, Payload: payload}, nil
}

func parseAck(body []byte) (*AckPacket, error) {
	if len(body) < 2 {
		return nil, errors.WithStack(ErrInvalidPacket)
	}
	return &AckPacket{BlockNum: binary.BigEndian.Uint16(body[:2])}, nil
}

func parseError(body []byte) (*ErrorPacket, error) {
	if len(body) < 2 {
		return nil, errors.WithStack(ErrInvalidPacket)
	}
	code := normalizeErrorCode(binary.BigEndian.Uint16(body[:2]))
	rest := body[2:]
	i := bytes.IndexByte(rest, 0)
	if i == -1 {
		return nil, errors.WithStack(ErrInvalidPacket)
	}
	return &ErrorPacket{Code: code, Message: string(rest[:i])}, nil
}

// Serialize writes p's wire form into buf, returning the number of bytes
// written. buf must be large enough to hold the encoded packet; callers on
// the session path always pass a MaxDatagram-sized buffer, which is always
// sufficient, so ErrBufferTooSmall indicates a programming error.
func Serialize(p Packet, buf []byte) (int, error) {
	switch p.Op {
	case RRQ, WRQ:
		return serializeRequest(p.Op, p.Request, buf)
	case DATA:
		return serializeData(p.Data, buf)
	case ACK:
		return serializeAck(p.Ack, buf)
	case ERROR:
		return serializeError(p.Error, buf)
	default:
		return 0, errors.Wrapf(ErrInvalidOpcode, "opcode %d", uint16(p.Op))
	}
}

func serializeRequest(op Opcode, r *RequestPacket, buf []byte) (int, error) {
	mode := r.Mode.String()
	need := 2 + len(r.Filename) + 1 + len(mode) + 1
	if len(buf) < need {
		return 0, errors.WithStack(ErrBufferTooSmall)
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(op))
	n := 2
	n += copy(buf[n:], r.Filename)
	buf[n] = 0
	n++
	n += copy(buf[n:], mode)
	buf[n] = 0
	n++
	return n, nil
}

func serializeData(d *DataPacket, buf []byte) (int, error) {
	need := 4 + len(d.Payload)
	if len(buf) < need {
		return 0, errors.WithStack(ErrBufferTooSmall)
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(DATA))
	binary.BigEndian.PutUint16(buf[2:4], d.BlockNum)
	n := 4 + copy(buf[4:], d.Payload)
	return n, nil
}

func serializeAck(a *AckPacket, buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, errors.WithStack(ErrBufferTooSmall)
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(ACK))
	binary.BigEndian.PutUint16(buf[2:4], a.BlockNum)
	return 4, nil
}

func serializeError(e *ErrorPacket, buf []byte) (int, error) {
	need := 4 + len(e.Message) + 1
	if len(buf) < need {
		return 0, errors.WithStack(ErrBufferTooSmall)
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(ERROR))
	binary.BigEndian.PutUint16(buf[2:4], uint16(e.Code))
	n := 4 + copy(buf[4:], e.Message)
	buf[n] = 0
	n++
	return n, nil
}

// NewRequest builds a Packet carrying a Request body under the given
// opcode (RRQ or WRQ).
func NewRequest(op Opcode, filename string, mode Mode) Packet {
	return Packet{Op: op, Request: &RequestPacket{Filename: filename, Mode: mode}}
}

// NewData builds a DATA Packet.
func NewData(block uint16, payload []byte) Packet {
	return Packet{Op: DATA, Data: &DataPacket{BlockNum: block, Payload: payload}}
}

// NewAck builds an ACK Packet.
func NewAck(block uint16) Packet {
	return Packet{Op: ACK, Ack: &AckPacket{BlockNum: block}}
}

// NewError builds an ERROR Packet.
func NewError(code ErrorCode, message string) Packet {
	return Packet{Op: ERROR, Error: &ErrorPacket{Code: code, Message: message}}
}
