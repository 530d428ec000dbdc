package validator

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/go-python/gpython/ast"
	"github.com/go-python/gpython/parser"
	"github.com/go-python/gpython/py"
)

// MissingLocalImports returns the local imports referenced by code that have
// no matching source file in the validator's code directory, sorted by name.
// Unparsable code yields an empty result; parse failures are the validator's
// concern, not the resolver's.
//
// A script with zero violations but a nonempty missing set is valid but not
// executable; callers surface that as a distinct executability flag, never
// as invalidity.
func (v *Validator) MissingLocalImports(code string) []string {
	tree, err := parser.ParseString(code, py.ExecMode)
	if err != nil {
		return nil
	}

	w := newWalker(v.catalog)
	ast.Walk(tree, w.visit)

	var missing []string
	for name := range w.localImports {
		path := filepath.Join(v.codeDir, name+".py")
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
