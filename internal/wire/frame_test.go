package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameEncodeDecode(t *testing.T) {
	sizes := []int{0, 1, 20, 576, 1400, DefaultMTU}
	for _, n := range sizes {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i * 7)
		}

		buf := Encode(0xDEADBEEF, 42, payload)
		if len(buf) != HeaderSize+n {
			t.Fatalf("size %d: encoded len %d", n, len(buf))
		}

		f, err := Decode(buf)
		if err != nil {
			t.Fatalf("size %d: decode: %v", n, err)
		}
		if f.SessionID != 0xDEADBEEF || f.Sequence != 42 {
			t.Errorf("size %d: header mismatch: %+v", n, f)
		}
		if !bytes.Equal(f.Payload, payload) {
			t.Errorf("size %d: payload mismatch", n)
		}
	}
}

func TestFrameBigEndian(t *testing.T) {
	buf := Encode(0x01020304, 0x0A0B0C0D, []byte{0xFF})
	want := []byte{1, 2, 3, 4, 0x0A, 0x0B, 0x0C, 0x0D, 0xFF}
	if !bytes.Equal(buf, want) {
		t.Errorf("got % x, want % x", buf, want)
	}
}

func TestFrameTooShort(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		_, err := Decode(make([]byte, n))
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("len %d: expected ErrMalformed, got %v", n, err)
		}
	}
}

func TestFrameHeaderOnly(t *testing.T) {
	f, err := Decode(Encode(7, 0, nil))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(f.Payload) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(f.Payload))
	}
}

func TestParseSessionResponse(t *testing.T) {
	valid := map[string]uint32{
		"SESSION_ID:1":            1,
		"SESSION_ID:12345\n":      12345,
		"SESSION_ID: 77 \r\n":     77,
		"SESSION_ID:4294967295\n": 4294967295,
	}
	for in, want := range valid {
		got, err := ParseSessionResponse([]byte(in))
		if err != nil {
			t.Errorf("%q: unexpected error %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("%q: got %d, want %d", in, got, want)
		}
	}

	invalid := []string{
		"",
		"SESSION_ID:",
		"SESSION_ID:0",
		"SESSION_ID:-4",
		"SESSION_ID:abc",
		"SESSION_ID:4294967296",
		"session_id:5",
		"ERROR\n",
		"OK SESSION_ID:5",
	}
	for _, in := range invalid {
		if _, err := ParseSessionResponse([]byte(in)); !errors.Is(err, ErrBadSessionResponse) {
			t.Errorf("%q: expected ErrBadSessionResponse, got %v", in, err)
		}
	}
}

func TestSessionResponseFormat(t *testing.T) {
	got, err := ParseSessionResponse([]byte(FormatSessionResponse(99)))
	if err != nil || got != 99 {
		t.Errorf("got %d, %v", got, err)
	}
	if !IsRegisterRequest([]byte(RegisterRequest)) {
		t.Error("RegisterRequest not recognised")
	}
	if IsRegisterRequest([]byte("HELLO")) {
		t.Error("HELLO recognised as REGISTER")
	}
}
