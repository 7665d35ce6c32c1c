package ftp

import (
	"fmt"
	"strconv"
	"strings"
)

// SizeFromList extracts a file size from a LIST line. Starting at the
// 1-based whitespace-separated field fieldOffset it returns the first
// all-digit field. Servers differ in listing format, so the offset is
// a per-host setting.
func SizeFromList(line string, fieldOffset int) (int64, error) {
	fields := strings.Fields(line)
	if fieldOffset < 1 {
		fieldOffset = 1
	}
	for i := fieldOffset - 1; i < len(fields); i++ {
		f := fields[i]
		if f == "" {
			continue
		}
		allDigits := true
		for _, r := range f {
			if r < '0' || r > '9' {
				allDigits = false
				break
			}
		}
		if allDigits {
			return strconv.ParseInt(f, 10, 64)
		}
	}
	return -1, fmt.Errorf("ftp: no size field in listing %q at offset %d", line, fieldOffset)
}

// FindListLine returns the listing line ending in name, or empty.
func FindListLine(lines []string, name string) string {
	for _, l := range lines {
		if strings.HasSuffix(l, name) {
			return l
		}
	}
	return ""
}
