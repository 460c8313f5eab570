package blobfile

import "errors"

var (
	ErrReadOnly       = errors.New("file is read only")
	ErrNegativeOffset = errors.New("negative file offset")
	ErrLengthLimit    = errors.New("write past fixed length")
	ErrReleased       = errors.New("lock already released")
	ErrBadMagic       = errors.New("bad record magic")
	ErrBadVersion     = errors.New("unsupported record version")
	ErrBadRecord      = errors.New("malformed record")
	ErrFileLost       = errors.New("backing file lost")
	ErrShortFile      = errors.New("backing file shorter than recorded length")
)
