package framefs

import "errors"

// Device errors.
var (
	// ErrDeviceFailure indicates the bus reported an unrecoverable status.
	ErrDeviceFailure = errors.New("device failure")

	// ErrRetryBudget indicates a transfer kept failing verification
	// until its retry budget ran out.
	ErrRetryBudget = errors.New("transfer retry budget exhausted")

	// ErrNotPoweredOn indicates an operation outside the power-on window.
	ErrNotPoweredOn = errors.New("not powered on")

	// ErrAlreadyPoweredOn indicates a second power-on of a running session.
	ErrAlreadyPoweredOn = errors.New("already powered on")
)

// File table errors.
var (
	// ErrUnknownHandle indicates the handle does not name a tracked file.
	ErrUnknownHandle = errors.New("unknown file handle")

	// ErrFileClosed indicates the file exists but is not open.
	ErrFileClosed = errors.New("file is closed")

	// ErrSeekRange indicates a seek past the end of the file.
	ErrSeekRange = errors.New("seek past end of file")

	// ErrTooManyFiles indicates the file table is full.
	ErrTooManyFiles = errors.New("too many files")

	// ErrInvalidPath indicates an empty, oversized or malformed path.
	ErrInvalidPath = errors.New("invalid path")

	// ErrFileTooLarge indicates a write past the largest addressable offset.
	ErrFileTooLarge = errors.New("file too large")

	// ErrFramesExhausted indicates the frame id space is used up.
	ErrFramesExhausted = errors.New("no free frames")

	// ErrMetadataOverflow indicates the file table does not fit into
	// the metadata frame.
	ErrMetadataOverflow = errors.New("file table does not fit into metadata frame")

	// ErrCorruptMetadata indicates the metadata frame could not be parsed.
	ErrCorruptMetadata = errors.New("corrupt metadata frame")
)

// Cache errors.
var (
	// ErrCacheInitialized indicates an attempt to resize an initialized cache.
	ErrCacheInitialized = errors.New("cache already initialized")

	// ErrCacheClosed indicates use of a cache that is not initialized.
	ErrCacheClosed = errors.New("cache not initialized")
)
