package jid

import "path/filepath"

// MatchMask matches a single glob against a file name. A leading '!'
// inverts the mask. Malformed patterns never match.
func MatchMask(mask, name string) (matched, negated bool) {
	if len(mask) > 0 && mask[0] == '!' {
		negated = true
		mask = mask[1:]
	}
	ok, err := filepath.Match(mask, name)
	if err != nil {
		return false, negated
	}
	return ok, negated
}

// Match evaluates an ordered filter set against a file name. Masks are
// tried in order; the first mask that matches decides: a plain mask
// accepts, a '!' mask rejects. A name no mask matches is rejected.
func (f *FileMask) Match(name string) bool {
	return MatchMasks(f.Masks, name)
}

// MatchMasks is Match for a bare mask list.
func MatchMasks(masks []string, name string) bool {
	for _, m := range masks {
		matched, negated := MatchMask(m, name)
		if matched {
			return !negated
		}
	}
	return false
}
