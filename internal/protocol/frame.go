// Package protocol implements the memcached binary protocol: fixed
// 24-byte request/response headers, extras encoding for each command
// family, and the framing used to read a response off the wire.
//
// This is a pure codec: it knows nothing about connections, pools, or
// servers. internal/conn drives it over a net.Conn; the multi-op engine
// drives it for quiet/NoOp batches.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	magicRequest  byte = 0x80
	magicResponse byte = 0x81

	// HeaderSize is the fixed 24-byte binary protocol header length.
	HeaderSize = 24
)

// ErrProtocol wraps any violation of the wire format: bad magic, a
// frame truncated mid-header or mid-body, or extras+key longer than the
// declared body. A clean EOF before any header byte is returned as
// io.EOF.
var ErrProtocol = errors.New("protocol: malformed frame")

// Request is a single binary-protocol request envelope (spec.md §3).
type Request struct {
	Opcode Opcode
	Key    []byte
	Value  []byte
	Extras []byte
	CAS    uint64
	Opaque uint32
}

// Encode serializes req into the 24-byte-header + extras + key + value
// wire form.
func (r *Request) Encode() []byte {
	bodyLen := len(r.Extras) + len(r.Key) + len(r.Value)
	buf := make([]byte, HeaderSize+bodyLen)

	buf[0] = magicRequest
	buf[1] = byte(r.Opcode)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(r.Key)))
	buf[4] = byte(len(r.Extras))
	buf[5] = 0 // data type
	binary.BigEndian.PutUint16(buf[6:8], 0) // vbucket id, unused by this client
	binary.BigEndian.PutUint32(buf[8:12], uint32(bodyLen))
	binary.BigEndian.PutUint32(buf[12:16], r.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], r.CAS)

	pos := HeaderSize
	copy(buf[pos:], r.Extras)
	pos += len(r.Extras)
	copy(buf[pos:], r.Key)
	pos += len(r.Key)
	copy(buf[pos:], r.Value)

	return buf
}

// Response is a single binary-protocol response envelope (spec.md §3).
type Response struct {
	Opcode Opcode
	Status Status
	Opaque uint32
	CAS    uint64
	Extras []byte
	Key    []byte
	Value  []byte
}

// ReadResponse reads exactly one response frame from r.
func ReadResponse(r io.Reader) (*Response, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header: %w", ErrProtocol, err)
		}
		if errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, fmt.Errorf("protocol: read header: %w", err)
	}
	if hdr[0] != magicResponse {
		return nil, fmt.Errorf("%w: bad magic 0x%02x", ErrProtocol, hdr[0])
	}

	opcode := Opcode(hdr[1])
	keyLen := binary.BigEndian.Uint16(hdr[2:4])
	extrasLen := hdr[4]
	status := Status(binary.BigEndian.Uint16(hdr[6:8]))
	bodyLen := binary.BigEndian.Uint32(hdr[8:12])
	opaque := binary.BigEndian.Uint32(hdr[12:16])
	cas := binary.BigEndian.Uint64(hdr[16:24])

	if uint32(extrasLen)+uint32(keyLen) > bodyLen {
		return nil, fmt.Errorf("%w: extras+key length %d exceeds body length %d", ErrProtocol, uint32(extrasLen)+uint32(keyLen), bodyLen)
	}

	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: truncated body: %w", ErrProtocol, err)
			}
			return nil, fmt.Errorf("protocol: read body: %w", err)
		}
	}

	resp := &Response{
		Opcode: opcode,
		Status: status,
		Opaque: opaque,
		CAS:    cas,
		Extras: body[:extrasLen],
		Key:    body[extrasLen : uint32(extrasLen)+uint32(keyLen)],
		Value:  body[uint32(extrasLen)+uint32(keyLen):],
	}
	return resp, nil
}
