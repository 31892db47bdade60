// Package codec encodes frames for storage and transport.
//
// A stored frame is a single msgpack document. A frame stream is a sequence
// of length-prefixed msgpack documents: a 4-byte big-endian payload length
// followed by the payload.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/justapithecus/framefetch/types"
)

// Size limits for framed streams.
const (
	// MaxFrameSize is the maximum frame size (256 MiB), including length prefix.
	MaxFrameSize = 256 * 1024 * 1024
	// MaxPayloadSize is the maximum payload size (MaxFrameSize - 4 bytes).
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// ErrorKind classifies codec errors.
type ErrorKind int

const (
	// ErrorPartial indicates a truncated or incomplete stream frame.
	ErrorPartial ErrorKind = iota
	// ErrorTooLarge indicates a frame exceeding MaxFrameSize.
	ErrorTooLarge
	// ErrorDecode indicates a msgpack decoding error.
	ErrorDecode
	// ErrorEncode indicates a msgpack encoding error.
	ErrorEncode
)

// Error represents a codec error.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsFatal returns true for stream errors after which no further frame can be read.
func (e *Error) IsFatal() bool {
	return e.Kind == ErrorPartial || e.Kind == ErrorTooLarge
}

// IsFatalError returns true if err is a fatal codec error.
func IsFatalError(err error) bool {
	var codecErr *Error
	if errors.As(err, &codecErr) {
		return codecErr.IsFatal()
	}
	return false
}

// Encode marshals a frame into a msgpack document.
func Encode(frame *types.Frame) ([]byte, error) {
	data, err := msgpack.Marshal(frame)
	if err != nil {
		return nil, &Error{Kind: ErrorEncode, Msg: "failed to encode frame", Err: err}
	}
	return data, nil
}

// Decode unmarshals a msgpack document into a frame.
func Decode(payload []byte) (*types.Frame, error) {
	var frame types.Frame
	if err := msgpack.Unmarshal(payload, &frame); err != nil {
		return nil, &Error{Kind: ErrorDecode, Msg: "failed to decode frame", Err: err}
	}
	return &frame, nil
}

// StreamWriter writes length-prefixed frames to a stream.
type StreamWriter struct {
	writer io.Writer
}

// NewStreamWriter creates a new stream writer.
func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{writer: w}
}

// WriteFrame encodes frame and writes it with its length prefix.
func (w *StreamWriter) WriteFrame(frame *types.Frame) error {
	payload, err := Encode(frame)
	if err != nil {
		return err
	}
	if len(payload) > MaxPayloadSize {
		return &Error{
			Kind: ErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}

	var lengthBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(payload)))
	if _, err := w.writer.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.writer.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// StreamReader decodes length-prefixed frames from a stream.
type StreamReader struct {
	reader io.Reader
}

// NewStreamReader creates a new stream reader.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{reader: r}
}

// ReadFrame reads and decodes a single frame from the stream.
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - *Error with Kind=ErrorPartial: incomplete frame (fatal)
//   - *Error with Kind=ErrorTooLarge: frame exceeds limit (fatal)
//   - *Error with Kind=ErrorDecode: payload is not a frame
func (r *StreamReader) ReadFrame() (*types.Frame, error) {
	var lengthBuf [LengthPrefixSize]byte
	_, err := io.ReadFull(r.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &Error{
			Kind: ErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if payloadSize > MaxPayloadSize {
		return nil, &Error{
			Kind: ErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(r.reader, payload); err != nil {
		return nil, &Error{
			Kind: ErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}

	return Decode(payload)
}
