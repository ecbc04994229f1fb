package filter

import (
	"regexp"
	"strings"
)

// compiledPattern is a compiled glob pattern that can match paths.
type compiledPattern struct {
	re       *regexp.Regexp
	original string
	anchored bool // pattern starts with or contains /
}

// compilePattern converts an rsync-style glob pattern into a compiled
// matcher.
func compilePattern(pattern string) (*compiledPattern, error) {
	cp := &compiledPattern{original: pattern}

	pattern = strings.TrimSuffix(pattern, "/")

	// Leading / anchors to the serve root; so does any interior /.
	if strings.HasPrefix(pattern, "/") {
		cp.anchored = true
		pattern = strings.TrimPrefix(pattern, "/")
	} else if strings.Contains(pattern, "/") {
		cp.anchored = true
	}

	reStr := globToRegex(pattern)
	if cp.anchored {
		reStr = "^" + reStr + "$"
	} else {
		// Match against basename or any path suffix.
		reStr = "(^|/)" + reStr + "$"
	}

	re, err := regexp.Compile(reStr)
	if err != nil {
		return nil, err
	}
	cp.re = re
	return cp, nil
}

func (cp *compiledPattern) match(relPath string) bool {
	return cp.re.MatchString(relPath)
}

// globToRegex converts a glob pattern to a regex string.
func globToRegex(pattern string) string {
	var b strings.Builder
	i := 0
	for i < len(pattern) {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				// ** matches anything including /
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					b.WriteString("(.*/)?")
					i += 3
				} else {
					b.WriteString(".*")
					i += 2
				}
			} else {
				// * matches anything except /
				b.WriteString("[^/]*")
				i++
			}
		case '?':
			b.WriteString("[^/]")
			i++
		case '[':
			// Character class — pass through to regex.
			j := i + 1
			if j < len(pattern) && pattern[j] == '!' {
				j++
			}
			if j < len(pattern) && pattern[j] == ']' {
				j++
			}
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j < len(pattern) {
				cls := pattern[i+1 : j]
				if strings.HasPrefix(cls, "!") {
					cls = "^" + cls[1:]
				}
				b.WriteString("[" + cls + "]")
				i = j + 1
			} else {
				b.WriteString(regexp.QuoteMeta(string(c)))
				i++
			}
		case '.', '(', ')', '+', '{', '}', '^', '$', '|', '\\':
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}
