package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"pyrunner/internal/config"
	"pyrunner/internal/policy"
	"pyrunner/internal/validator"
)

var validateCmd = &cobra.Command{
	Use:   "validate <script.py>",
	Short: "Validate a script against the security policy without running it",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runValidate(_ *cobra.Command, args []string) error {
	cfg, err := config.Load(goutils.Env("PYRUNNER_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	code, err := validateScript(cfg.Catalog(), args[0], os.Stdout)
	if err != nil {
		return err
	}
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

// validateScript checks one script file and returns the process exit code:
// 0 valid, 1 policy violations, 2 valid but missing local modules. Local
// imports resolve against the candidate's own directory, not the configured
// code directory.
func validateScript(catalog *policy.Catalog, path string, out io.Writer) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	v := validator.New(catalog, filepath.Dir(path))
	name := filepath.Base(path)

	valid, violations := v.Validate(string(data), name)
	if valid {
		fmt.Fprintf(out, "%s is valid\n", name)
		if missing := v.MissingLocalImports(string(data)); len(missing) > 0 {
			fmt.Fprintln(out, "missing local modules:")
			for _, m := range missing {
				fmt.Fprintf(out, "  %s\n", m)
			}
			return 2, nil
		}
		return 0, nil
	}

	fmt.Fprintf(out, "%s has %d violation(s):\n", name, len(violations))
	for _, viol := range violations {
		fmt.Fprintf(out, "  %s\n", viol)
	}
	return 1, nil
}
