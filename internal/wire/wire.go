// Package wire implements the binary frame format exchanged between
// Courier clients and the server.
//
// Every frame is a fixed 16-byte header followed by a variable-length
// body:
//
//	[type:1][bodyLength:4][senderID:1][threadID:2][timestamp:8][body:bodyLength]
//
// All integers are big-endian. The body of a Connect or Register frame
// begins with an 8-byte space-padded password field; the body of a
// NewThread frame begins with a 16-byte space-padded room-name field.
// Any remaining body bytes are UTF-8 text. The protocol is
// length-prefixed, so body text is never escaped.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Type identifies the kind of request or reply a frame carries.
type Type byte

// Wire type codes. Unrecognized codes decode to Unknown so that a
// malformed peer cannot crash the connection; the protocol handler
// decides what to do with an Unknown frame.
const (
	Connect Type = iota
	Register
	Send
	NewThread
	Disconnect
	Failure
	Unknown
)

// String returns the name of the type for logs.
func (t Type) String() string {
	switch t {
	case Connect:
		return "CONNECT"
	case Register:
		return "REGISTER"
	case Send:
		return "SEND"
	case NewThread:
		return "NEW_THREAD"
	case Disconnect:
		return "DISCONNECT"
	case Failure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// Frame layout constants.
const (
	HeaderSize     = 16
	PasswordSize   = 8
	ThreadNameSize = 16

	// DefaultMaxBody bounds the body length Decode accepts. A peer
	// announcing a larger body is misbehaving; accepting it would let
	// one connection allocate unbounded memory.
	DefaultMaxBody = 1 << 20
)

// Header field offsets.
const (
	offType      = 0
	offBodyLen   = 1
	offSenderID  = 5
	offThreadID  = 6
	offTimestamp = 8
)

var (
	// ErrTruncatedFrame reports a peer that closed the stream before a
	// complete header or body arrived. Treated as a disconnect.
	ErrTruncatedFrame = errors.New("wire: truncated frame")

	// ErrOversizedFrame reports a header whose body length exceeds the
	// decoder's limit.
	ErrOversizedFrame = errors.New("wire: oversized frame")
)

// Message is one decoded frame. Messages are immutable by convention:
// they are built once by New or Decode and never modified afterwards.
// Replies and fan-out copies are always fresh Message values.
type Message struct {
	Type       Type
	SenderID   int
	ThreadID   int
	Timestamp  int64 // milliseconds since the Unix epoch
	Password   string
	ThreadName string
	Contents   string
}

// New builds a message stamped with the current time. Fields that do
// not apply to the given type are carried but not encoded; Encode
// decides which optional body fields the type uses.
func New(t Type, senderID int, password string, threadID int, threadName, contents string) Message {
	return Message{
		Type:       t,
		SenderID:   senderID,
		ThreadID:   threadID,
		Timestamp:  time.Now().UnixMilli(),
		Password:   password,
		ThreadName: threadName,
		Contents:   contents,
	}
}

// Time converts the message timestamp to a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// bodyLen computes the encoded body length for the message's type,
// including any fixed-width optional field.
func (m Message) bodyLen() int {
	n := len(m.Contents)
	switch m.Type {
	case Connect, Register:
		n += PasswordSize
	case NewThread:
		n += ThreadNameSize
	}
	return n
}

// Encode renders the message as separate header and body buffers so a
// caller can hand both to a single vectored write. Encoding never
// fails for a message built from valid enum values.
func (m Message) Encode() (header, body []byte) {
	bodyLen := m.bodyLen()

	header = make([]byte, HeaderSize)
	header[offType] = byte(m.Type)
	binary.BigEndian.PutUint32(header[offBodyLen:], uint32(bodyLen))
	header[offSenderID] = byte(m.SenderID)
	binary.BigEndian.PutUint16(header[offThreadID:], uint16(m.ThreadID))
	binary.BigEndian.PutUint64(header[offTimestamp:], uint64(m.Timestamp))

	body = make([]byte, 0, bodyLen)
	switch m.Type {
	case Connect, Register:
		body = appendPadded(body, m.Password, PasswordSize)
	case NewThread:
		body = appendPadded(body, m.ThreadName, ThreadNameSize)
	}
	body = append(body, m.Contents...)
	return header, body
}

// Marshal renders the message as one contiguous frame. Convenience for
// callers that write through a buffered or message-oriented transport.
func (m Message) Marshal() []byte {
	header, body := m.Encode()
	return append(header, body...)
}

// Decode reads exactly one frame from r using the default body limit.
func Decode(r io.Reader) (Message, error) {
	return DecodeLimit(r, DefaultMaxBody)
}

// DecodeLimit reads exactly one frame from r: HeaderSize bytes, then
// the body length the header announces. It fails with
// ErrTruncatedFrame if the stream ends before either read completes,
// and with ErrOversizedFrame if the announced body exceeds maxBody.
func DecodeLimit(r io.Reader, maxBody int) (Message, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, ErrTruncatedFrame
		}
		return Message{}, fmt.Errorf("wire: reading header: %w", err)
	}

	bodyLen := int(binary.BigEndian.Uint32(header[offBodyLen:]))
	if bodyLen > maxBody {
		return Message{}, fmt.Errorf("%w: body of %d bytes exceeds limit %d", ErrOversizedFrame, bodyLen, maxBody)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, ErrTruncatedFrame
		}
		return Message{}, fmt.Errorf("wire: reading body: %w", err)
	}

	m := Message{
		Type:      translate(header[offType]),
		SenderID:  int(header[offSenderID]),
		ThreadID:  int(binary.BigEndian.Uint16(header[offThreadID:])),
		Timestamp: int64(binary.BigEndian.Uint64(header[offTimestamp:])),
	}

	switch m.Type {
	case Connect, Register:
		m.Password, body = takePadded(body, PasswordSize)
	case NewThread:
		m.ThreadName, body = takePadded(body, ThreadNameSize)
	}
	m.Contents = string(body)
	return m, nil
}

// ReadFrame reads one raw frame (header plus body) from r without
// interpreting it. Used by relays that forward frames unchanged.
func ReadFrame(r io.Reader) ([]byte, error) {
	frame := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, frame); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedFrame
		}
		return nil, fmt.Errorf("wire: reading header: %w", err)
	}

	bodyLen := int(binary.BigEndian.Uint32(frame[offBodyLen:]))
	if bodyLen > DefaultMaxBody {
		return nil, fmt.Errorf("%w: body of %d bytes exceeds limit %d", ErrOversizedFrame, bodyLen, DefaultMaxBody)
	}

	frame = append(frame, make([]byte, bodyLen)...)
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedFrame
		}
		return nil, fmt.Errorf("wire: reading body: %w", err)
	}
	return frame, nil
}

// translate maps a wire type code to a Type, folding anything
// unrecognized into Unknown.
func translate(code byte) Type {
	if code < byte(Unknown) {
		return Type(code)
	}
	return Unknown
}

// appendPadded appends s space-padded (or truncated) to exactly width
// bytes.
func appendPadded(dst []byte, s string, width int) []byte {
	if len(s) > width {
		s = s[:width]
	}
	dst = append(dst, s...)
	for i := len(s); i < width; i++ {
		dst = append(dst, ' ')
	}
	return dst
}

// takePadded splits a fixed-width space-padded field off the front of
// body, trimming the padding. Bodies shorter than the field width are
// tolerated: the whole body is treated as the field.
func takePadded(body []byte, width int) (string, []byte) {
	if len(body) < width {
		width = len(body)
	}
	field := strings.TrimRight(string(body[:width]), " ")
	return field, body[width:]
}
