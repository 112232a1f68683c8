//go:build windows

package session

// setNoFile is a no-op on Windows, which has no POSIX rlimit concept.
func setNoFile(n uint64) error { return nil }
