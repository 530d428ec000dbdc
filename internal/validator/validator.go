// Package validator statically vets Python source against a policy.Catalog.
//
// Validation is two layered: a single walk over the parsed AST (imports,
// calls, attribute access, filesystem mutators) and a raw line scan for
// dangerous substrings the structural walk may not generically reach, e.g.
// when nested inside comprehensions. Both layers accumulate violations in
// discovery order; only a parse failure short-circuits.
//
// This is lexical/structural pattern matching performed before execution,
// not an OS-level sandbox. Sufficiently obfuscated code can evade it.
package validator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-python/gpython/ast"
	"github.com/go-python/gpython/parser"
	"github.com/go-python/gpython/py"

	"pyrunner/internal/policy"
)

// Violation is a single policy finding at a source line.
type Violation struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("Line %d: %s", v.Line, v.Message)
}

// Strings renders violations in the classic "Line N: message" form used by
// the HTTP and websocket surfaces.
func Strings(violations []Violation) []string {
	out := make([]string, len(violations))
	for i, v := range violations {
		out[i] = v.String()
	}
	return out
}

// Validator checks candidate scripts against a catalog. The code directory
// is where same-directory ("local") imports are resolved.
type Validator struct {
	catalog *policy.Catalog
	codeDir string
}

// New creates a Validator bound to a catalog and a script directory.
func New(catalog *policy.Catalog, codeDir string) *Validator {
	return &Validator{catalog: catalog, codeDir: codeDir}
}

// Validate parses and checks code. It returns whether the code is valid and
// every violation found, in discovery order, never deduplicated. Identical
// inputs always produce identical results.
func (v *Validator) Validate(code, filename string) (bool, []Violation) {
	tree, err := parser.ParseString(code, py.ExecMode)
	if err != nil {
		// Fatal: a single parse-failure violation, no further checks.
		return false, []Violation{parseFailure(err)}
	}

	w := newWalker(v.catalog)
	ast.Walk(tree, w.visit)

	violations := w.violations
	violations = append(violations, rawScan(code)...)

	return len(violations) == 0, violations
}

// parseFailure converts a gpython parse error into a violation. The parser
// records the line number on the SyntaxError's attribute dict; extraction is
// best-effort with line 1 as the fallback.
func parseFailure(err error) Violation {
	line := 1
	var exc *py.Exception
	if errors.As(err, &exc) {
		if v, ok := exc.Dict["lineno"]; ok {
			if n, ok := v.(py.Int); ok && int(n) > 0 {
				line = int(n)
			}
		}
	}
	msg := err.Error()
	return Violation{Line: line, Message: fmt.Sprintf("Syntax error at line %d: %s", line, msg)}
}

// walker carries the state of a single AST pass.
type walker struct {
	catalog      *policy.Catalog
	violations   []Violation
	imports      map[string]struct{}
	localImports map[string]struct{}

	// Attribute nodes already reported as a blocked call path; the
	// attribute handler skips the chain check for these so a flagged call
	// like os.system("ls") yields one violation, not two.
	reportedCallee map[*ast.Attribute]struct{}
}

func newWalker(catalog *policy.Catalog) *walker {
	return &walker{
		catalog:        catalog,
		imports:        make(map[string]struct{}),
		localImports:   make(map[string]struct{}),
		reportedCallee: make(map[*ast.Attribute]struct{}),
	}
}

func (w *walker) addf(line int, format string, args ...any) {
	w.violations = append(w.violations, Violation{Line: line, Message: fmt.Sprintf(format, args...)})
}

// visit dispatches on the closed set of node kinds the policy cares about
// and lets ast.Walk recurse into children for everything else.
func (w *walker) visit(node ast.Ast) bool {
	switch n := node.(type) {
	case *ast.Import:
		w.visitImport(n)
	case *ast.ImportFrom:
		w.visitImportFrom(n)
	case *ast.Call:
		w.visitCall(n)
	case *ast.Attribute:
		w.visitAttribute(n)
	}
	return true
}

func (w *walker) visitImport(n *ast.Import) {
	for _, alias := range n.Names {
		name := string(alias.Name)
		w.imports[name] = struct{}{}

		if w.catalog.IsBlockedModule(name) {
			w.addf(n.Lineno, "Blocked import '%s'", name)
		}
		if isLocalImport(name) {
			w.localImports[name] = struct{}{}
		}
	}
}

func (w *walker) visitImportFrom(n *ast.ImportFrom) {
	module := string(n.Module) // empty for relative imports
	w.imports[module] = struct{}{}

	if w.catalog.IsBlockedModule(module) {
		w.addf(n.Lineno, "Blocked import 'from %s'", module)
	}

	// Individual names can hit the blocklist even when the module itself
	// does not, e.g. "from os import system" via "os.system".
	for _, alias := range n.Names {
		full := string(alias.Name)
		if module != "" {
			full = module + "." + full
		}
		if w.catalog.IsBlockedModule(full) {
			w.addf(n.Lineno, "Blocked import '%s'", full)
		}
	}

	if module != "" && isLocalImport(module) {
		w.localImports[module] = struct{}{}
	}
}

func (w *walker) visitCall(n *ast.Call) {
	name := callName(n)
	if name == "" {
		return
	}

	// Blocked builtins apply to bare identifier calls only.
	if _, bare := n.Func.(*ast.Name); bare && w.catalog.IsBlockedBuiltin(name) {
		w.addf(n.Lineno, "Blocked builtin '%s()'", name)
	}

	if w.catalog.IsBlockedFunction(name) {
		w.addf(n.Lineno, "Blocked function '%s()'", name)
		if att, ok := n.Func.(*ast.Attribute); ok {
			w.reportedCallee[att] = struct{}{}
		}
	}

	w.checkFileOperation(n, name)
}

// Reflective attribute names that enable sandbox escapes.
var dunderDenyList = map[string]struct{}{
	"__class__":        {},
	"__bases__":        {},
	"__mro__":          {},
	"__subclasses__":   {},
	"__globals__":      {},
	"__code__":         {},
	"__builtins__":     {},
	"__import__":       {},
	"__getattribute__": {},
	"__reduce__":       {},
	"__reduce_ex__":    {},
}

// Benign double-underscore names exempt from the deny check.
var dunderAllowList = map[string]struct{}{
	"__init__": {},
	"__main__": {},
	"__name__": {},
	"__doc__":  {},
	"__str__":  {},
	"__repr__": {},
}

func (w *walker) visitAttribute(n *ast.Attribute) {
	chain := attributeChain(n)
	if chain != "" {
		if _, skip := w.reportedCallee[n]; !skip && w.catalog.IsBlockedFunction(chain) {
			w.addf(n.Lineno, "Blocked attribute '%s'", chain)
		}
	}

	attr := string(n.Attr)
	if strings.Contains(attr, "__") {
		if _, allowed := dunderAllowList[attr]; !allowed {
			if _, denied := dunderDenyList[attr]; denied {
				w.addf(n.Lineno, "Blocked dunder access '%s'", attr)
			}
		}
	}
}

// os/shutil calls that mutate filesystem paths; their first argument is
// subject to the allowed-roots check.
var pathMutators = map[string]struct{}{
	"os.remove": {}, "os.unlink": {}, "os.rmdir": {}, "os.removedirs": {},
	"os.rename": {}, "os.renames": {}, "os.replace": {},
	"os.mkdir": {}, "os.makedirs": {}, "os.mknod": {}, "os.mkfifo": {},
	"os.link": {}, "os.symlink": {}, "os.truncate": {},
	"shutil.rmtree": {}, "shutil.copy": {}, "shutil.copy2": {},
	"shutil.copytree": {}, "shutil.move": {}, "shutil.chown": {},
}

func (w *walker) checkFileOperation(n *ast.Call, name string) {
	if name == "open" {
		w.checkPathArgument(n, name)
	}
	if strings.HasSuffix(name, ".write_text") || strings.HasSuffix(name, ".write_bytes") {
		w.checkPathArgument(n, name)
	}
	if _, ok := pathMutators[name]; ok {
		w.checkPathArgument(n, name)
	}
}

func (w *walker) checkPathArgument(n *ast.Call, funcName string) {
	if len(n.Args) == 0 {
		return
	}
	first := n.Args[0]
	path, literal := stringLiteral(first)

	if literal && !w.catalog.IsPathAllowed(path) {
		w.addf(n.Lineno, "File operation '%s' on disallowed path '%s'", funcName, path)
	}

	// open() with a positional mode argument.
	if funcName == "open" && len(n.Args) > 1 {
		if mode, ok := stringLiteral(n.Args[1]); ok && isWriteMode(mode) {
			w.checkWritePath(n, path, literal)
		}
	}

	// mode= keyword.
	for _, kw := range n.Keywords {
		if string(kw.Arg) != "mode" {
			continue
		}
		if mode, ok := stringLiteral(kw.Value); ok && isWriteMode(mode) {
			w.checkWritePath(n, path, literal)
		}
	}
}

// checkWritePath enforces the write-mode rule: a literal path must fall
// under an allowed root; a dynamic path combined with write intent can never
// be statically proven safe and is rejected unconditionally.
func (w *walker) checkWritePath(n *ast.Call, path string, literal bool) {
	if literal {
		if !w.catalog.IsPathAllowed(path) {
			w.addf(n.Lineno, "Write operation on disallowed path")
		}
		return
	}
	w.addf(n.Lineno, "Write operation with dynamic path - ensure path is within an allowed directory")
}

func isWriteMode(mode string) bool {
	return strings.ContainsAny(mode, "wax+")
}

// callName flattens a call's callee to a dotted name: chained attribute
// access collapses to "a.b.c"; a bare identifier collapses to itself;
// anything else (a call result, a subscript) yields "".
func callName(n *ast.Call) string {
	switch f := n.Func.(type) {
	case *ast.Name:
		return string(f.Id)
	case *ast.Attribute:
		return attributeChain(f)
	}
	return ""
}

// attributeChain renders an attribute chain as "a.b.c". When the chain does
// not bottom out at a bare name (e.g. f().write_text) only the attribute
// parts are kept, matching how helper-suffix checks treat such calls.
func attributeChain(n *ast.Attribute) string {
	var parts []string
	var cur ast.Expr = n
	for {
		att, ok := cur.(*ast.Attribute)
		if !ok {
			break
		}
		parts = append(parts, string(att.Attr))
		cur = att.Value
	}
	if name, ok := cur.(*ast.Name); ok {
		parts = append(parts, string(name.Id))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

func stringLiteral(e ast.Expr) (string, bool) {
	if s, ok := e.(*ast.Str); ok {
		return string(s.S), true
	}
	return "", false
}
