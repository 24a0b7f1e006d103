//go:build !unix && !windows

package mmarena

// Map allocates size bytes from the Go heap when no mapping API is available.
func Map(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return []byte{}, func() error { return nil }, nil
	}
	return make([]byte, size), func() error { return nil }, nil
}

// Release zeroes b, standing in for returning pages to the OS.
func Release(b []byte) error {
	clear(b)
	return nil
}
