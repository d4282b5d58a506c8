//go:build linux

package sysinfo

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// RSSBytes reads the resident set size from /proc/self/statm. The second
// field counts resident pages.
func RSSBytes() (int64, error) {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, err
	}
	return parseStatm(string(data), int64(unix.Getpagesize()))
}

func parseStatm(content string, pageSize int64) (int64, error) {
	fields := strings.Fields(content)
	if len(fields) < 2 {
		return 0, fmt.Errorf("statm: expected at least 2 fields, got %d", len(fields))
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("statm: resident pages: %w", err)
	}
	return pages * pageSize, nil
}
