package blobfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Durable record layout, sequential big-endian fields with no padding:
// magic, version, uint16-prefixed path, readOnly byte, length,
// persistent id, secureDelete byte.
const (
	recordMagic   = 0x297c550a
	recordVersion = 1
)

// StoreRecord serializes the file's identity so it can be rebuilt after
// a process restart, even if the backing file moved in between.
func (f *File) StoreRecord(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, int32(recordMagic)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, int32(recordVersion)); err != nil {
		return err
	}
	if err := writeString(w, f.path); err != nil {
		return err
	}
	if err := writeBool(w, f.readOnly); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, f.length); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, f.persistentID); err != nil {
		return err
	}
	return writeBool(w, f.SecureDelete())
}

// LoadRecord rebuilds a file from a stored record. Tracked files whose
// recorded path is gone are re-resolved through the namer: adopt the
// expected location if it already exists, otherwise ask the namer to
// move the file there. A file that cannot be resolved is lost
// (ErrFileLost); the owning layer decides whether that kills the job.
// The handle is not opened here; the first Lock does that.
func (fac *Factory) LoadRecord(r io.Reader) (*File, error) {
	var magic, version int32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return nil, err
	}
	if magic != recordMagic {
		return nil, ErrBadMagic
	}
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, err
	}
	if version != recordVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}
	path, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	readOnly, err := readBool(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	var length, persistentID int64
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if err := binary.Read(r, binary.BigEndian, &persistentID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	secureDelete, err := readBool(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrBadRecord, length)
	}
	if persistentID != -1 {
		path, err = fac.resolve(path, persistentID)
		if err != nil {
			return nil, err
		}
	} else if !fileExists(path) {
		return nil, fmt.Errorf("%s: %w", path, ErrFileLost)
	}
	f := fac.newFile(path, readOnly, persistentID)
	f.length = length
	f.secureDelete = secureDelete
	return f, nil
}

// resolve finds the current location of a tracked file whose recorded
// path may be stale (the node's storage prefix can change between
// checkpoints).
func (fac *Factory) resolve(path string, id int64) (string, error) {
	if fileExists(path) {
		return path, nil
	}
	expected := fac.Namer.PathForID(id)
	if fileExists(expected) {
		if err := fac.Tracker.Register(expected); err != nil {
			return "", fmt.Errorf("registering %s: %w", expected, err)
		}
		return expected, nil
	}
	moved, err := fac.Namer.Relocate(path, id)
	if err == nil && fileExists(moved) {
		return moved, nil
	}
	return "", fmt.Errorf("%s (id %d): %w", path, id, ErrFileLost)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("%w: path of %d bytes does not fit the length prefix", ErrBadRecord, len(s))
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeBool(w io.Writer, b bool) error {
	v := byte(0)
	if b {
		v = 1
	}
	_, err := w.Write([]byte{v})
	return err
}

func readBool(r io.Reader) (bool, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}
