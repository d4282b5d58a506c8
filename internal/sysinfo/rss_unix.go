//go:build unix && !linux

package sysinfo

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// RSSBytes reports the peak resident set size from getrusage. Darwin reports
// bytes, the BSDs kilobytes.
func RSSBytes() (int64, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, err
	}
	rss := int64(ru.Maxrss)
	if runtime.GOOS != "darwin" && runtime.GOOS != "ios" {
		rss *= 1024
	}
	return rss, nil
}
