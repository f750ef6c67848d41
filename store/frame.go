package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// magicBytes is the 4-byte prefix for framed artifact files.
	magicBytes = []byte("IMG1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected IMG1")

	// ErrHeaderTooLarge is returned when the header exceeds maxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

// maxHeaderSize bounds the JSON header (64 KiB).
const maxHeaderSize = 64 * 1024

// writeFramed writes a framed artifact to the writer.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODYBYTES
func writeFramed(w io.Writer, artifact *Artifact, body io.Reader) error {
	headerBytes, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	headerLen := len(headerBytes)
	if headerLen > maxHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(magicBytes); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(headerLen)); err != nil { //nolint:gosec // headerLen is bounds-checked above
		return fmt.Errorf("writing header length: %w", err)
	}

	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}

	return nil
}

// readFramed reads a framed artifact from the reader, returning the parsed
// header and a reader positioned at the body.
func readFramed(r io.Reader) (*Artifact, io.Reader, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, magicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}

	if headerLen > maxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var artifact Artifact
	if err := json.Unmarshal(headerBytes, &artifact); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}

	return &artifact, r, nil
}
