//go:build !windows

package session

import "syscall"

// setNoFile raises the process's open-file soft limit to n (capped at
// the hard limit) so a session can keep many torrents' files open
// concurrently. No third-party rlimit library appears anywhere in the
// pack, so this is one of the few places this module reaches for the
// standard library's syscall package directly.
func setNoFile(n uint64) error {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return err
	}
	if rlimit.Cur >= n {
		return nil
	}
	if rlimit.Max < n {
		n = rlimit.Max
	}
	rlimit.Cur = n
	return syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rlimit)
}
