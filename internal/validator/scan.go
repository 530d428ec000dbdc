package validator

import "strings"

// dangerousPattern pairs a literal substring with the message reported when
// it appears in source text.
type dangerousPattern struct {
	token       string
	description string
}

// Raw-text defense in depth: constructs the AST walk may not generically
// special-case (e.g. nested inside comprehensions) still trip these.
var dangerousPatterns = []dangerousPattern{
	{"__import__", "Dynamic import attempt"},
	{"getattr(", "Dynamic attribute access"},
	{"setattr(", "Dynamic attribute setting"},
	{"delattr(", "Dynamic attribute deletion"},
	{"exec(", "Dynamic code execution"},
	{"eval(", "Dynamic code evaluation"},
	{"compile(", "Dynamic code compilation"},
	{"__builtins__", "Builtins access"},
	{"__globals__", "Globals access"},
	{"__subclasses__", "Subclass enumeration"},
}

// rawScan checks the unparsed source line by line for dangerous substrings.
// Lines whose trimmed prefix is a comment marker are skipped. The scan does
// not special-case string literals or inline comments and can over-report;
// that is a documented property of the policy, which prefers over-reporting
// to under-reporting.
func rawScan(code string) []Violation {
	var violations []Violation
	lines := strings.Split(code, "\n")

	for _, p := range dangerousPatterns {
		if !strings.Contains(code, p.token) {
			continue
		}
		for i, line := range lines {
			if !strings.Contains(line, p.token) {
				continue
			}
			if strings.HasPrefix(strings.TrimSpace(line), "#") {
				continue
			}
			violations = append(violations, Violation{
				Line:    i + 1,
				Message: p.description + " detected ('" + p.token + "')",
			})
		}
	}
	return violations
}
