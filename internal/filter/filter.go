// Package filter decides which files under the serve root may be
// fetched, using rsync-style glob patterns plus an optional size cap.
package filter

// Rule is a single allow or deny pattern.
type Rule struct {
	Pattern *compiledPattern
	Allow   bool
}

// Chain holds an ordered list of rules plus a size cap. Rules are
// evaluated in order, first match wins; a path matching no rule is
// allowed. The zero chain allows everything.
type Chain struct {
	rules   []Rule
	maxSize int64
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

// AddAllow appends an allow rule for the given pattern.
func (c *Chain) AddAllow(pattern string) error {
	cp, err := compilePattern(pattern)
	if err != nil {
		return err
	}
	c.rules = append(c.rules, Rule{Pattern: cp, Allow: true})
	return nil
}

// AddDeny appends a deny rule for the given pattern.
func (c *Chain) AddDeny(pattern string) error {
	cp, err := compilePattern(pattern)
	if err != nil {
		return err
	}
	c.rules = append(c.rules, Rule{Pattern: cp, Allow: false})
	return nil
}

// SetMaxSize caps the size of servable files. 0 means no cap.
func (c *Chain) SetMaxSize(n int64) {
	c.maxSize = n
}

// Empty reports whether the chain has no rules and no size cap.
func (c *Chain) Empty() bool {
	return len(c.rules) == 0 && c.maxSize == 0
}

// Allowed reports whether the file at relPath (relative to the serve
// root, forward slashes) with the given size may be served.
func (c *Chain) Allowed(relPath string, size int64) bool {
	if c.maxSize > 0 && size > c.maxSize {
		return false
	}
	for _, rule := range c.rules {
		if rule.Pattern.match(relPath) {
			return rule.Allow
		}
	}
	return true
}
