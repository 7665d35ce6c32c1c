package worker

// WMO bulletin framing bytes.
const (
	soh = 0x01
	etx = 0x03
	cr  = 0x0d
	lf  = 0x0a
)

// WMOHeader frames the start of a WMO bulletin: SOH CR CR LF, then the
// bulletin heading (the file name) terminated by CR CR LF.
func WMOHeader(name string) []byte {
	b := make([]byte, 0, len(name)+7)
	b = append(b, soh, cr, cr, lf)
	b = append(b, name...)
	b = append(b, cr, cr, lf)
	return b
}

// WMOTrailer ends a WMO bulletin: CR CR LF ETX.
func WMOTrailer() []byte {
	return []byte{cr, cr, lf, etx}
}

// asciiToCRLF converts bare LF line endings to CR LF for ASCII mode
// transfers. Existing CR LF pairs pass through unchanged. prev is the
// last byte of the previous chunk so a pair split across chunks is not
// doubled.
func asciiToCRLF(p []byte, prev byte) []byte {
	n := 0
	last := prev
	for _, c := range p {
		if c == lf && last != cr {
			n++
		}
		last = c
	}
	if n == 0 {
		return p
	}
	out := make([]byte, 0, len(p)+n)
	last = prev
	for _, c := range p {
		if c == lf && last != cr {
			out = append(out, cr)
		}
		out = append(out, c)
		last = c
	}
	return out
}
