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

// Package wire implements the RFC 1350 TFTP wire format: parsing and
// serializing the five message types into and out of UDP datagrams.
package wire

// Opcode is the 16-bit big-endian tag at the front of every TFTP datagram.
type Opcode uint16

// Opcode constants, RFC 1350 The TFTP Protocol (Revision 2).
const (
	_     Opcode = iota
	RRQ          // Read-Request
	WRQ          // Write-Request
	DATA         // Data
	ACK          // Acknowledgment
	ERROR        // Error
	maxOpcode
)

func (o Opcode) String() string {
	switch o {
	case RRQ:
		return "RRQ"
	case WRQ:
		return "WRQ"
	case DATA:
		return "DATA"
	case ACK:
		return "ACK"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Mode is a TFTP transfer mode identifier.
type Mode uint8

// Mode constants, RFC 1350 The TFTP Protocol (Revision 2).
const (
	_ Mode = iota
	Octet
	Netascii
	Mail
	maxMode
)

func (m Mode) String() string {
	switch m {
	case Octet:
		return "octet"
	case Netascii:
		return "netascii"
	case Mail:
		return "mail"
	default:
		return ""
	}
}

func parseMode(s string) (Mode, bool) {
	switch lowerASCII(s) {
	case "octet":
		return Octet, true
	case "netascii":
		return Netascii, true
	case "mail":
		return Mail, true
	default:
		return 0, false
	}
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// ErrorCode is the 16-bit big-endian error classification carried by an
// Error packet.
type ErrorCode uint16

// ErrorCode constants, RFC 1350 The TFTP Protocol (Revision 2).
const (
	NotDefined ErrorCode = iota
	FileNotFound
	AccessViolation
	DiskFull
	IllegalOperation
	UnknownTransferID
	FileAlreadyExists
	NoSuchUser
	maxErrorCode
)

func (e ErrorCode) String() string {
	switch e {
	case NotDefined:
		return "not defined"
	case FileNotFound:
		return "file not found"
	case AccessViolation:
		return "access violation"
	case DiskFull:
		return "disk full or allocation exceeded"
	case IllegalOperation:
		return "illegal TFTP operation"
	case UnknownTransferID:
		return "unknown transfer ID"
	case FileAlreadyExists:
		return "file already exists"
	case NoSuchUser:
		return "no such user"
	default:
		return "not defined"
	}
}

// normalizeErrorCode degrades any code outside the known range to NotDefined,
// per spec: unknown codes parsed from the network degrade rather than fail.
func normalizeErrorCode(v uint16) ErrorCode {
	if ErrorCode(v) >= maxErrorCode {
		return NotDefined
	}
	return ErrorCode(v)
}
