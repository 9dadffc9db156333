package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	// PlainHeaderSize is the size of a Variant A header: a big-endian length.
	PlainHeaderSize = 4
	// ChecksumHeaderSize is the size of a Variant B header: a big-endian
	// length followed by the big-endian CRC-32 (IEEE) of the payload.
	ChecksumHeaderSize = 8
	// DefaultMaxFrameSize bounds a single payload when no limit is given.
	DefaultMaxFrameSize = 1 << 20
)

// Header is a decoded frame header.
type Header struct {
	Length      uint32
	Checksum    uint32
	HasChecksum bool
}

// Framer encodes and decodes frames for one header layout.
type Framer struct {
	checksummed bool
	maxSize     uint32
}

// PlainFramer returns a Variant A framer.
func PlainFramer(maxSize int64) Framer {
	return Framer{maxSize: clampMax(maxSize)}
}

// ChecksumFramer returns a Variant B framer.
func ChecksumFramer(maxSize int64) Framer {
	return Framer{checksummed: true, maxSize: clampMax(maxSize)}
}

func clampMax(maxSize int64) uint32 {
	if maxSize <= 0 || maxSize > int64(^uint32(0)) {
		return DefaultMaxFrameSize
	}
	return uint32(maxSize)
}

// Checksummed reports whether the framer uses the CRC header layout.
func (f Framer) Checksummed() bool {
	return f.checksummed
}

// MaxSize is the largest payload the framer accepts.
func (f Framer) MaxSize() uint32 {
	if f.maxSize == 0 {
		return DefaultMaxFrameSize
	}
	return f.maxSize
}

// HeaderSize returns the number of header bytes preceding each payload.
func (f Framer) HeaderSize() int {
	if f.checksummed {
		return ChecksumHeaderSize
	}
	return PlainHeaderSize
}

// Checksum computes the CRC-32 (IEEE) of payload.
func Checksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// Verify recomputes the payload checksum and compares it to expected.
func Verify(payload []byte, expected uint32) bool {
	return Checksum(payload) == expected
}

// Encode returns header || payload.
func (f Framer) Encode(payload []byte) ([]byte, error) {
	if uint64(len(payload)) > uint64(f.MaxSize()) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	frame := make([]byte, f.HeaderSize()+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	if f.checksummed {
		binary.BigEndian.PutUint32(frame[4:8], Checksum(payload))
	}
	copy(frame[f.HeaderSize():], payload)
	return frame, nil
}

// DecodeHeader parses a header of exactly HeaderSize bytes.
func (f Framer) DecodeHeader(b []byte) (Header, error) {
	if len(b) < f.HeaderSize() {
		return Header{}, ErrShortHeader
	}

	h := Header{Length: binary.BigEndian.Uint32(b[0:4])}
	if f.checksummed {
		h.Checksum = binary.BigEndian.Uint32(b[4:8])
		h.HasChecksum = true
	}
	return h, nil
}

// ReadFrame reads one frame from r and returns its payload.
//
// io.EOF is returned only when the stream ends cleanly before a header.
// A stream that ends inside a frame yields io.ErrUnexpectedEOF. Oversized
// payloads are discarded before ErrFrameTooLarge is returned, and a bad
// checksum yields ErrChecksumMismatch; in both cases the next call reads
// the following frame.
func (f Framer) ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, f.HeaderSize())
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	h, err := f.DecodeHeader(header)
	if err != nil {
		return nil, err
	}

	if h.Length > f.MaxSize() {
		if _, err := io.CopyN(io.Discard, r, int64(h.Length)); err != nil {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.Length)
	}

	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if h.HasChecksum && !Verify(payload, h.Checksum) {
		return nil, ErrChecksumMismatch
	}
	return payload, nil
}

// WriteFrame frames payload and writes it with a single Write call.
func (f Framer) WriteFrame(w io.Writer, payload []byte) error {
	frame, err := f.Encode(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
