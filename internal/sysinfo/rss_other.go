//go:build !unix

package sysinfo

import "runtime"

// RSSBytes approximates the resident set size with the memory the Go runtime
// obtained from the OS.
func RSSBytes() (int64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.Sys), nil
}
