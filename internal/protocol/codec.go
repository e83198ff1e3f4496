package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	lengthSize = 4
	typeSize   = 2

	// MaxBodySize bounds a single frame body. Bulk transfers are chunked at
	// 8 KiB, so anything near this limit is a broken or hostile peer.
	MaxBodySize = 1 << 20
)

var (
	// ErrShortFrame is returned when the declared frame length cannot hold
	// the type field. The offending bytes are consumed, so the stream stays
	// frame-aligned and the caller may keep reading.
	ErrShortFrame = errors.New("short frame")

	// ErrFrameTooLarge is returned when the declared body exceeds
	// MaxBodySize. The frame is consumed and discarded.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")

	// ErrMalformedBody is returned when the frame body is not valid JSON.
	// The returned message still carries the frame's type.
	ErrMalformedBody = errors.New("malformed frame body")
)

// ReadMessage reads one framed message from r.
//
// The wire format is [length:u32 BE][type:u16 BE][body], where length counts
// the type field plus the body. Recoverable protocol errors (ErrShortFrame,
// ErrFrameTooLarge, ErrMalformedBody) leave the stream positioned at the
// next frame; any other error means the stream is unusable.
func ReadMessage(r io.Reader) (Message, error) {
	var header [lengthSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, fmt.Errorf("reading frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length < typeSize {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return Message{}, fmt.Errorf("discarding short frame: %w", err)
		}
		return Message{}, ErrShortFrame
	}
	if length-typeSize > MaxBodySize {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return Message{}, fmt.Errorf("discarding oversized frame: %w", err)
		}
		return Message{}, ErrFrameTooLarge
	}

	var typ [typeSize]byte
	if _, err := io.ReadFull(r, typ[:]); err != nil {
		return Message{}, fmt.Errorf("reading frame type: %w", err)
	}

	body := make([]byte, length-typeSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("reading frame body: %w", err)
	}

	msg := Message{Type: MessageType(binary.BigEndian.Uint16(typ[:])), Body: body}
	if len(body) > 0 && !json.Valid(body) {
		return msg, ErrMalformedBody
	}
	return msg, nil
}

// WriteMessage writes one framed message to w as a single Write call, so a
// caller serializing writers with a mutex never interleaves frame bytes.
func WriteMessage(w io.Writer, m Message) error {
	if len(m.Body) > MaxBodySize {
		return fmt.Errorf("writing %s frame: %w", m.Type, ErrFrameTooLarge)
	}

	buf := make([]byte, lengthSize+typeSize+len(m.Body))
	binary.BigEndian.PutUint32(buf[:lengthSize], uint32(typeSize+len(m.Body)))
	binary.BigEndian.PutUint16(buf[lengthSize:lengthSize+typeSize], uint16(m.Type))
	copy(buf[lengthSize+typeSize:], m.Body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing %s frame: %w", m.Type, err)
	}
	return nil
}
