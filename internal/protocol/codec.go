package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// DefaultMaxPayload caps a single content frame
const DefaultMaxPayload = 64 << 20

var (
	// ErrStringTooLong is returned when a string does not fit a 2-byte length prefix
	ErrStringTooLong = errors.New("string exceeds 65535 bytes")
	// ErrPayloadTooLarge is returned when a payload length exceeds the configured cap
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	// ErrNegativeLength is returned for a payload frame with a negative length
	ErrNegativeLength = errors.New("negative payload length")
)

// Conn frames strings, integers and byte payloads over a stream.
// Strings carry a 2-byte big-endian length, integers and payload lengths are 4-byte big-endian.
type Conn struct {
	r          *bufio.Reader
	w          *bufio.Writer
	maxPayload int
}

// NewConn wraps rw with buffered framing. maxPayload <= 0 selects DefaultMaxPayload.
func NewConn(rw io.ReadWriter, maxPayload int) *Conn {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Conn{
		r:          bufio.NewReader(rw),
		w:          bufio.NewWriter(rw),
		maxPayload: maxPayload,
	}
}

// MaxPayload returns the payload cap
func (c *Conn) MaxPayload() int {
	return c.maxPayload
}

// ReadString reads a length-prefixed UTF-8 string. A clean end of stream before the
// prefix yields io.EOF; a cut inside the frame yields io.ErrUnexpectedEOF.
func (c *Conn) ReadString() (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return "", unexpected(err)
	}
	return string(buf), nil
}

// WriteString writes a length-prefixed UTF-8 string
func (c *Conn) WriteString(s string) error {
	if len(s) > math.MaxUint16 {
		return ErrStringTooLong
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(s)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := c.w.WriteString(s)
	return err
}

// ReadInt reads a 4-byte big-endian signed integer
func (c *Conn) ReadInt() (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(c.r, buf[:]); err != nil {
		return 0, unexpected(err)
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

// WriteInt writes a 4-byte big-endian signed integer
func (c *Conn) WriteInt(v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := c.w.Write(buf[:])
	return err
}

// ReadPayload reads a 4-byte length followed by that many bytes. Zero length yields an empty slice.
func (c *Conn) ReadPayload() ([]byte, error) {
	n, err := c.ReadInt()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, ErrNegativeLength
	}
	if int(n) > c.maxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, c.maxPayload)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, unexpected(err)
	}
	return buf, nil
}

// WritePayload writes a 4-byte length followed by data
func (c *Conn) WritePayload(data []byte) error {
	if len(data) > math.MaxInt32 {
		return ErrPayloadTooLarge
	}
	if err := c.WriteInt(int32(len(data))); err != nil {
		return err
	}
	_, err := c.w.Write(data)
	return err
}

// Flush pushes buffered output to the stream
func (c *Conn) Flush() error {
	return c.w.Flush()
}

// Reply writes a text response and flushes
func (c *Conn) Reply(text string) error {
	if err := c.WriteString(text); err != nil {
		return err
	}
	return c.Flush()
}

// ReplyPayload writes a status string and a payload, then flushes
func (c *Conn) ReplyPayload(status string, data []byte) error {
	if err := c.WriteString(status); err != nil {
		return err
	}
	if err := c.WritePayload(data); err != nil {
		return err
	}
	return c.Flush()
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
