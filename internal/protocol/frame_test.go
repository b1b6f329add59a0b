package protocol

import (
	"bytes"
	"io"
	"testing"
)

func TestRequestEncodeHeader(t *testing.T) {
	req := &Request{
		Opcode: Set,
		Key:    []byte("hello"),
		Value:  []byte("world"),
		Extras: StorageExtras(0, 300),
		Opaque: 42,
	}
	wire := req.Encode()

	if len(wire) != HeaderSize+len(req.Extras)+len(req.Key)+len(req.Value) {
		t.Fatalf("unexpected wire length %d", len(wire))
	}
	if wire[0] != magicRequest {
		t.Fatalf("expected request magic, got 0x%02x", wire[0])
	}
	if Opcode(wire[1]) != Set {
		t.Fatalf("expected Set opcode, got %v", Opcode(wire[1]))
	}
}

func buildResponseFrame(t *testing.T, resp Response) []byte {
	t.Helper()
	bodyLen := len(resp.Extras) + len(resp.Key) + len(resp.Value)
	buf := make([]byte, HeaderSize+bodyLen)
	buf[0] = magicResponse
	buf[1] = byte(resp.Opcode)
	buf[2] = byte(len(resp.Key) >> 8)
	buf[3] = byte(len(resp.Key))
	buf[4] = byte(len(resp.Extras))
	buf[6] = byte(resp.Status >> 8)
	buf[7] = byte(resp.Status)
	buf[8] = byte(bodyLen >> 24)
	buf[9] = byte(bodyLen >> 16)
	buf[10] = byte(bodyLen >> 8)
	buf[11] = byte(bodyLen)
	buf[15] = byte(resp.Opaque)
	buf[23] = byte(resp.CAS)
	pos := HeaderSize
	copy(buf[pos:], resp.Extras)
	pos += len(resp.Extras)
	copy(buf[pos:], resp.Key)
	pos += len(resp.Key)
	copy(buf[pos:], resp.Value)
	return buf
}

func TestReadResponse(t *testing.T) {
	frame := buildResponseFrame(t, Response{
		Opcode: GetK,
		Status: NoError,
		Opaque: 7,
		Key:    []byte("k"),
		Value:  []byte("v"),
	})

	resp, err := ReadResponse(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.Opaque != 7 || resp.Status != NoError || string(resp.Key) != "k" || string(resp.Value) != "v" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestReadResponseBadMagic(t *testing.T) {
	frame := buildResponseFrame(t, Response{Opcode: NoOp, Status: NoError})
	frame[0] = 0x00

	_, err := ReadResponse(bytes.NewReader(frame))
	if err == nil {
		t.Fatal("expected error on bad magic")
	}
}

func TestReadResponseTruncated(t *testing.T) {
	frame := buildResponseFrame(t, Response{Opcode: Get, Status: NoError, Value: []byte("x")})
	_, err := ReadResponse(bytes.NewReader(frame[:HeaderSize-1]))
	if err == nil {
		t.Fatal("expected error on truncated header")
	}
	if err != io.ErrUnexpectedEOF && err.Error() == "" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStatusKnownAndString(t *testing.T) {
	if !KeyNotFound.Known() {
		t.Fatal("KeyNotFound should be known")
	}
	if Status(0x1234).Known() {
		t.Fatal("unrecognized status should not be known")
	}
	if KeyNotFound.String() != "Key_Not_Found" {
		t.Fatalf("unexpected string: %s", KeyNotFound.String())
	}
}

func TestQuietOpcodes(t *testing.T) {
	if !GetQ.IsQuiet() || !SetQ.IsQuiet() || !DeleteQ.IsQuiet() {
		t.Fatal("expected Q-suffixed opcodes to be quiet")
	}
	if Get.IsQuiet() || NoOp.IsQuiet() {
		t.Fatal("expected non-quiet opcodes to report false")
	}
}

func TestExtrasRoundTrip(t *testing.T) {
	extras := StorageExtras(123, 456)
	flags, exp := ParseStorageExtras(extras)
	if flags != 123 || exp != 456 {
		t.Fatalf("got flags=%d exp=%d", flags, exp)
	}
}
