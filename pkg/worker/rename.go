package worker

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// RenameRule is one (filter, target) pair of a trans-rename rule set.
// The target may reference the wildcard captures of the filter with
// '*' in capture order, and '%s' inserts the whole original name.
type RenameRule struct {
	Filter string
	To     string
}

// RenameRules maps rule names (as referenced by the trans_rename job
// option) to their ordered rule lists.
type RenameRules map[string][]RenameRule

// LoadRenameRules reads a rule file with lines of the form
//
//	<rule-name> <filter> <rename-to>
//
// Blank lines and '#' comments are skipped. A missing file yields an
// empty set.
func LoadRenameRules(path string) (RenameRules, error) {
	rules := make(RenameRules)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rules, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("rename rules %s:%d: want 3 fields, got %d", path, lineNo, len(fields))
		}
		rules[fields[0]] = append(rules[fields[0]], RenameRule{Filter: fields[1], To: fields[2]})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

// Apply renames name using the first matching rule of set, returning
// name unchanged when no rule matches or the set does not exist.
func (r RenameRules) Apply(set, name string) string {
	for _, rule := range r[set] {
		if captures, ok := matchCapture(rule.Filter, name); ok {
			return expand(rule.To, name, captures)
		}
	}
	return name
}

// matchCapture matches a glob with '*' and '?' against name and
// returns the text each '*' consumed, in order.
func matchCapture(pattern, name string) ([]string, bool) {
	var captures []string
	var match func(p, n string) bool
	match = func(p, n string) bool {
		for len(p) > 0 {
			switch p[0] {
			case '*':
				// Greedy first, then shrink.
				for take := len(n); take >= 0; take-- {
					captures = append(captures, n[:take])
					if match(p[1:], n[take:]) {
						return true
					}
					captures = captures[:len(captures)-1]
				}
				return false
			case '?':
				if n == "" {
					return false
				}
				p, n = p[1:], n[1:]
			default:
				if n == "" || p[0] != n[0] {
					return false
				}
				p, n = p[1:], n[1:]
			}
		}
		return n == ""
	}
	if !match(pattern, name) {
		return nil, false
	}
	return captures, true
}

// expand builds the target name: '*' takes the next capture, '%s' the
// whole original name.
func expand(to, name string, captures []string) string {
	var b strings.Builder
	ci := 0
	for i := 0; i < len(to); i++ {
		switch {
		case to[i] == '*':
			if ci < len(captures) {
				b.WriteString(captures[ci])
				ci++
			}
		case to[i] == '%' && i+1 < len(to) && to[i+1] == 's':
			b.WriteString(name)
			i++
		default:
			b.WriteByte(to[i])
		}
	}
	return b.String()
}
