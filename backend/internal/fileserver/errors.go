package fileserver

import "errors"

// Errors surfaced to the Server Manager (spec §7). HTTP-level failures never
// use these — they are reported as plain status codes to the client.
var (
	// ErrBindFailed is returned when the listener could not be started within
	// the configured start timeout.
	ErrBindFailed = errors.New("fileserver: bind failed")

	// ErrRootInvalid is returned when root is missing, not a directory, or
	// otherwise unusable.
	ErrRootInvalid = errors.New("fileserver: project root invalid")

	// ErrPathEscape is returned by urlFor when the requested relative path
	// resolves outside the project root.
	ErrPathEscape = errors.New("fileserver: path escapes project root")

	// ErrNotStarted is returned by urlFor/Stop on an instance that was never
	// started, or that has already been stopped.
	ErrNotStarted = errors.New("fileserver: instance not started")
)
