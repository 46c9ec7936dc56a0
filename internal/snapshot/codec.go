// Package snapshot writes and reads whole-catalog snapshots.
//
// A snapshot file is a short magic header followed by a zstd stream holding
// one gob-encoded catalog.Snapshot.
package snapshot

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/kozaktomas/reid-catalog/internal/catalog"
)

var magic = []byte("RCS1")

var (
	// ErrNotFound is returned by Load when no snapshot exists at the location.
	ErrNotFound = errors.New("snapshot not found")
	// ErrBadFormat is returned when the data is not a snapshot.
	ErrBadFormat = errors.New("not a catalog snapshot")
)

// Encode writes snap to w.
func Encode(w io.Writer, snap catalog.Snapshot) error {
	if _, err := w.Write(magic); err != nil {
		return err
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if err := gob.NewEncoder(enc).Encode(snap); err != nil {
		enc.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return enc.Close()
}

// Decode reads one snapshot from r.
func Decode(r io.Reader) (catalog.Snapshot, error) {
	var snap catalog.Snapshot

	br := bufio.NewReader(r)
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(br, head); err != nil || !bytes.Equal(head, magic) {
		return snap, ErrBadFormat
	}
	dec, err := zstd.NewReader(br)
	if err != nil {
		return snap, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	if err := gob.NewDecoder(dec).Decode(&snap); err != nil {
		return snap, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	return snap, nil
}

// Marshal encodes snap into a byte slice.
func Marshal(snap catalog.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
