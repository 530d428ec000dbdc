package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pyrunner/internal/policy"
)

func writeScript(t *testing.T, dir, name, code string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateScriptResolvesSiblingImports(t *testing.T) {
	// The candidate lives outside the configured code directory; its local
	// import must resolve against its own directory.
	codeDir := t.TempDir()
	scriptDir := t.TempDir()
	writeScript(t, scriptDir, "helper.py", "VALUE = 1\n")
	path := writeScript(t, scriptDir, "main.py", "import helper\nprint(helper.VALUE)\n")

	var out bytes.Buffer
	code, err := validateScript(policy.Default(codeDir), path, &out)
	if err != nil {
		t.Fatalf("validateScript: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0\n%s", code, out.String())
	}
}

func TestValidateScriptReportsMissingSibling(t *testing.T) {
	scriptDir := t.TempDir()
	path := writeScript(t, scriptDir, "main.py", "import helper\n")

	var out bytes.Buffer
	code, err := validateScript(policy.Default(scriptDir), path, &out)
	if err != nil {
		t.Fatalf("validateScript: %v", err)
	}
	if code != 2 {
		t.Fatalf("exit code = %d, want 2\n%s", code, out.String())
	}
	if !strings.Contains(out.String(), "helper") {
		t.Errorf("output %q does not name the missing module", out.String())
	}
}

func TestValidateScriptReportsViolations(t *testing.T) {
	scriptDir := t.TempDir()
	path := writeScript(t, scriptDir, "main.py", "import subprocess\n")

	var out bytes.Buffer
	code, err := validateScript(policy.Default(scriptDir), path, &out)
	if err != nil {
		t.Fatalf("validateScript: %v", err)
	}
	if code != 1 {
		t.Fatalf("exit code = %d, want 1\n%s", code, out.String())
	}
	if !strings.Contains(out.String(), "subprocess") {
		t.Errorf("output %q does not name the violation", out.String())
	}
}
