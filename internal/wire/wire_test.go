package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
)

// TestRoundTrip verifies that every message type survives an encode
// followed by a decode with type, ids, and payload intact.
func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
	}{
		{"connect", New(Connect, 7, "secret", 0, "", "")},
		{"register", New(Register, 0, "abc", 0, "", "")},
		{"send", New(Send, 42, "", 3, "", "hello room")},
		{"new thread", New(NewThread, 9, "", 0, "general", "")},
		{"disconnect", New(Disconnect, 12, "", 0, "", "")},
		{"failure", New(Failure, 5, "", 0, "", "bad credentials")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := Decode(bytes.NewReader(tc.msg.Marshal()))
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if decoded.Type != tc.msg.Type {
				t.Errorf("Type = %v, want %v", decoded.Type, tc.msg.Type)
			}
			if decoded.SenderID != tc.msg.SenderID {
				t.Errorf("SenderID = %d, want %d", decoded.SenderID, tc.msg.SenderID)
			}
			if decoded.ThreadID != tc.msg.ThreadID {
				t.Errorf("ThreadID = %d, want %d", decoded.ThreadID, tc.msg.ThreadID)
			}
			if decoded.Timestamp != tc.msg.Timestamp {
				t.Errorf("Timestamp = %d, want %d", decoded.Timestamp, tc.msg.Timestamp)
			}
			if decoded.Password != tc.msg.Password {
				t.Errorf("Password = %q, want %q", decoded.Password, tc.msg.Password)
			}
			if decoded.ThreadName != tc.msg.ThreadName {
				t.Errorf("ThreadName = %q, want %q", decoded.ThreadName, tc.msg.ThreadName)
			}
			if decoded.Contents != tc.msg.Contents {
				t.Errorf("Contents = %q, want %q", decoded.Contents, tc.msg.Contents)
			}
		})
	}
}

// TestTruncatedHeader verifies that a stream closing after only part of
// the header yields ErrTruncatedFrame, not a generic I/O error.
func TestTruncatedHeader(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{0, 0, 0}))
	if !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("Decode() error = %v, want ErrTruncatedFrame", err)
	}
}

// TestTruncatedBody verifies that a header announcing more body bytes
// than the stream delivers yields ErrTruncatedFrame.
func TestTruncatedBody(t *testing.T) {
	frame := New(Send, 1, "", 1, "", "this body will be cut short").Marshal()
	_, err := Decode(bytes.NewReader(frame[:HeaderSize+4]))
	if !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("Decode() error = %v, want ErrTruncatedFrame", err)
	}
}

// TestEmptyStream verifies a stream with no bytes at all is reported
// as a truncated frame.
func TestEmptyStream(t *testing.T) {
	_, err := Decode(bytes.NewReader(nil))
	if !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("Decode() error = %v, want ErrTruncatedFrame", err)
	}
}

// TestUnknownTypeByte verifies that an unrecognized type code decodes
// to Unknown instead of failing.
func TestUnknownTypeByte(t *testing.T) {
	frame := New(Send, 1, "", 0, "", "").Marshal()
	frame[0] = 0xBE

	decoded, err := Decode(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if decoded.Type != Unknown {
		t.Errorf("Type = %v, want Unknown", decoded.Type)
	}
}

// TestOversizedBodyRejected verifies the decoder refuses a header that
// announces a body beyond the limit.
func TestOversizedBodyRejected(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header[1:], 1<<30)

	_, err := DecodeLimit(bytes.NewReader(header), DefaultMaxBody)
	if !errors.Is(err, ErrOversizedFrame) {
		t.Fatalf("DecodeLimit() error = %v, want ErrOversizedFrame", err)
	}
}

// TestPasswordPadding verifies the fixed-width password field is
// space-padded on encode and trimmed on decode.
func TestPasswordPadding(t *testing.T) {
	msg := New(Connect, 1, "abc", 0, "", "trailer")
	_, body := msg.Encode()

	if got := string(body[:PasswordSize]); got != "abc     " {
		t.Errorf("password field = %q, want %q", got, "abc     ")
	}

	decoded, err := Decode(bytes.NewReader(msg.Marshal()))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if decoded.Password != "abc" {
		t.Errorf("Password = %q, want %q", decoded.Password, "abc")
	}
	if decoded.Contents != "trailer" {
		t.Errorf("Contents = %q, want %q", decoded.Contents, "trailer")
	}
}

// TestThreadNameTruncated verifies an over-long room name is cut to the
// fixed field width rather than corrupting the frame.
func TestThreadNameTruncated(t *testing.T) {
	name := strings.Repeat("x", ThreadNameSize+5)
	msg := New(NewThread, 1, "", 0, name, "")

	decoded, err := Decode(bytes.NewReader(msg.Marshal()))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if decoded.ThreadName != name[:ThreadNameSize] {
		t.Errorf("ThreadName = %q, want %q", decoded.ThreadName, name[:ThreadNameSize])
	}
}

// TestHeaderLayout pins the exact byte offsets of the header so the
// format stays compatible with existing clients.
func TestHeaderLayout(t *testing.T) {
	msg := Message{
		Type:      Send,
		SenderID:  0x0A,
		ThreadID:  0x0102,
		Timestamp: 0x1122334455667788,
		Contents:  "hi",
	}
	header, body := msg.Encode()

	if header[0] != byte(Send) {
		t.Errorf("type byte = %#x, want %#x", header[0], byte(Send))
	}
	if got := binary.BigEndian.Uint32(header[1:5]); got != 2 {
		t.Errorf("body length = %d, want 2", got)
	}
	if header[5] != 0x0A {
		t.Errorf("sender byte = %#x, want 0x0A", header[5])
	}
	if got := binary.BigEndian.Uint16(header[6:8]); got != 0x0102 {
		t.Errorf("thread id = %#x, want 0x0102", got)
	}
	if got := binary.BigEndian.Uint64(header[8:16]); got != 0x1122334455667788 {
		t.Errorf("timestamp = %#x", got)
	}
	if string(body) != "hi" {
		t.Errorf("body = %q, want %q", body, "hi")
	}
}

// TestReadFrame verifies the raw relay path returns the identical
// bytes that were written.
func TestReadFrame(t *testing.T) {
	frame := New(Send, 3, "", 9, "", "pass it on").Marshal()

	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame() error: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("ReadFrame() = %x, want %x", got, frame)
	}

	if _, err := ReadFrame(io.LimitReader(bytes.NewReader(frame), 5)); !errors.Is(err, ErrTruncatedFrame) {
		t.Errorf("short ReadFrame() error = %v, want ErrTruncatedFrame", err)
	}
}
