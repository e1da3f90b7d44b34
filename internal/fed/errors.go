package fed

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the path does not resolve in the merged tree,
	// or resolves to a directory. Never retried by the core; a path
	// whose owning link dropped resolves to this, not to a failure.
	ErrNotFound = errors.New("fed: not found")

	// ErrRange means the requested byte range is invalid for the file:
	// start beyond end-of-file or start after end.
	ErrRange = errors.New("fed: invalid byte range")

	// ErrStream marks a terminal stream failure: the serving node
	// reported an error, or no data arrived within the stream timeout.
	// The core never retries a failed stream.
	ErrStream = errors.New("fed: stream failed")

	// ErrClosed is returned by operations on a link or node that has
	// been shut down.
	ErrClosed = errors.New("fed: closed")
)

// streamError builds an ErrStream with the remote or local reason.
func streamError(reason string) error {
	return fmt.Errorf("%w: %s", ErrStream, reason)
}
