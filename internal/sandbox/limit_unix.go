//go:build unix

package sandbox

import (
	"fmt"
	"runtime/debug"

	"golang.org/x/sys/unix"
)

// ApplyMemoryLimit caps the address space of the calling process, and of any
// process it starts afterwards, at limit bytes. The Go heap gets a soft limit
// below that so the collector works harder before the ceiling is hit.
func ApplyMemoryLimit(limit int64) error {
	if limit <= 0 {
		return nil
	}
	rl := unix.Rlimit{Cur: uint64(limit), Max: uint64(limit)} // #nosec G115 -- limit is positive.
	if err := unix.Setrlimit(unix.RLIMIT_AS, &rl); err != nil {
		return fmt.Errorf("setrlimit RLIMIT_AS: %w", err)
	}
	debug.SetMemoryLimit(limit / 2)
	return nil
}
