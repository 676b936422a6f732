package diskmanager

import "errors"

// Sentinel errors returned by the disk manager. Callers match with errors.Is.
var (
	ErrIO             = errors.New("disk I/O error")
	ErrFileNotOpen    = errors.New("database file not open")
	ErrInvalidPageID  = errors.New("invalid page id")
	ErrShortRead      = errors.New("short page read")
	ErrBufSizeInvalid = errors.New("page buffer size does not match page size")
)
