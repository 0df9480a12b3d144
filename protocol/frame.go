// Package protocol implements the ledger wire format: length and checksum
// prefixed frames plus the fixed-layout login and transaction messages carried
// inside them.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
)

// HeaderSize is the size of the frame header: 4 bytes length + 4 bytes checksum.
const HeaderSize = 8

// MaxFrameSize is the largest payload WriteFrame accepts (64KB).
// Ledger messages are all well below 100 bytes.
const MaxFrameSize = 64 * 1024

// ByteOrder is the byte order of every integer on the wire.
var ByteOrder = binary.LittleEndian

// Frame errors
var (
	// ErrFrameTooLarge is returned when the declared length exceeds the receive buffer.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrCorruptFrame is returned when the payload checksum does not match.
	ErrCorruptFrame = errors.New("frame checksum mismatch")
	// ErrShortWrite is returned when the transport accepted fewer bytes than the frame holds.
	ErrShortWrite = errors.New("short frame write")
)

// Checksum returns the CRC-32 (IEEE 802.3) of the payload.
func Checksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// WriteFrame writes a framed message to the writer.
// Format: [4 bytes length] [4 bytes CRC-32] [N bytes payload]
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > math.MaxUint32 || len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameTooLarge, len(payload), MaxFrameSize)
	}

	frame := make([]byte, HeaderSize+len(payload))
	ByteOrder.PutUint32(frame[0:4], uint32(len(payload))) // #nosec G115 - bounds checked above
	ByteOrder.PutUint32(frame[4:8], Checksum(payload))
	copy(frame[HeaderSize:], payload)

	n, err := w.Write(frame)
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, len(frame))
	}
	return nil
}

// ReadFrame reads one framed message into buf and returns the payload length.
// A declared length larger than len(buf) fails with ErrFrameTooLarge before
// anything past the length field is read. On checksum mismatch the received
// bytes are zeroed and ErrCorruptFrame is returned.
func ReadFrame(r io.Reader, buf []byte) (int, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, err
	}

	length := ByteOrder.Uint32(header[:])
	if uint64(length) > uint64(len(buf)) {
		return 0, fmt.Errorf("%w: %d bytes (buffer: %d)", ErrFrameTooLarge, length, len(buf))
	}

	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, fmt.Errorf("failed to read frame checksum: %w", err)
	}
	checksum := ByteOrder.Uint32(header[:])

	payload := buf[:length]
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, fmt.Errorf("failed to read frame body: %w", err)
	}

	if Checksum(payload) != checksum {
		clear(payload)
		return 0, ErrCorruptFrame
	}

	return int(length), nil
}
