//go:build !unix

package sandbox

// ApplyMemoryLimit is a no-op where address-space limits are unavailable.
func ApplyMemoryLimit(int64) error {
	return nil
}
