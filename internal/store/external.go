package store

import (
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// ExternalProcess is a Python process running one of our scripts that the
// supervisor did not start (e.g. launched manually over SSH).
type ExternalProcess struct {
	Name    string `json:"name"`
	PID     int    `json:"pid"`
	Cmdline string `json:"cmdline"`
}

// ExternalProcesses scans for Python processes whose command line references
// a script in the code directory, skipping any script isManaged reports as
// supervised. Scan failures degrade to an empty result; this is a
// best-effort convenience, not a registry.
func (s *Store) ExternalProcesses(isManaged func(name string) bool) []ExternalProcess {
	out, err := exec.Command("pgrep", "-a", "python").Output()
	if err != nil {
		// pgrep exits 1 when nothing matches; anything else is still
		// non-fatal here.
		return nil
	}

	infos, err := s.List()
	if err != nil {
		s.logger.Warn("external process scan could not list scripts", slog.String("error", err.Error()))
		return nil
	}

	var external []ExternalProcess
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) < 2 {
			continue
		}
		pid, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		cmdline := parts[1]

		for _, info := range infos {
			if !strings.Contains(cmdline, s.ScriptPath(info.Name)) {
				continue
			}
			if isManaged != nil && isManaged(info.Name) {
				continue
			}
			external = append(external, ExternalProcess{
				Name:    info.Name,
				PID:     pid,
				Cmdline: cmdline,
			})
		}
	}
	return external
}
