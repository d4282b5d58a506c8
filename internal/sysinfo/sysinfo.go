// Package sysinfo samples process resource usage for heartbeats.
package sysinfo

const bytesPerMB = 1024 * 1024

// RSSMegabytes returns the resident set size of the current process, rounded
// to the nearest megabyte. It returns 0 if the reading fails.
func RSSMegabytes() int64 {
	b, err := RSSBytes()
	if err != nil || b <= 0 {
		return 0
	}
	return (b + bytesPerMB/2) / bytesPerMB
}
