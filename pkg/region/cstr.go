package region

// CStr interprets b as a NUL-terminated string.
func CStr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// CStrAll splits a packed buffer of NUL-separated strings. An empty
// element terminates the list.
func CStrAll(b []byte) []string {
	var out []string
	start := 0
	for i, c := range b {
		if c == 0 {
			if i == start {
				break
			}
			out = append(out, string(b[start:i]))
			start = i + 1
		}
	}
	return out
}

// SetCStr stores s into b as a NUL-terminated string, truncating when
// s does not fit. The remainder of b is zeroed so stale bytes from a
// longer previous value never leak into readers.
func SetCStr(b []byte, s string) {
	n := copy(b[:len(b)-1], s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}
