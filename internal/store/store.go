// Package store manages the on-disk artifacts the runner shares with its
// collaborators: the script directory, per-script execution logs, and the
// autoboot pointer file.
package store

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const logSeparator = "=================================================="

// Store provides access to scripts, logs, and the autoboot pointer.
type Store struct {
	codeDir      string
	logDir       string
	autobootFile string
	logger       *slog.Logger
}

// New creates a Store, ensuring the code and log directories exist.
func New(codeDir, logDir, autobootFile string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(codeDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating code directory %s: %w", codeDir, err)
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory %s: %w", logDir, err)
	}
	return &Store{
		codeDir:      codeDir,
		logDir:       logDir,
		autobootFile: autobootFile,
		logger:       logger,
	}, nil
}

// CodeDir returns the script directory.
func (s *Store) CodeDir() string { return s.codeDir }

// ValidName reports whether name is a plain .py filename with no path
// components.
func ValidName(name string) bool {
	return name != "" &&
		strings.HasSuffix(name, ".py") &&
		name == filepath.Base(name) &&
		!strings.HasPrefix(name, ".")
}

// ScriptPath returns the full path of a script in the code directory.
func (s *Store) ScriptPath(name string) string {
	return filepath.Join(s.codeDir, name)
}

// LogPath returns the log file path for a script.
func (s *Store) LogPath(name string) string {
	return filepath.Join(s.logDir, name+".log")
}

// Exists reports whether a script file is present.
func (s *Store) Exists(name string) bool {
	info, err := os.Stat(s.ScriptPath(name))
	return err == nil && info.Mode().IsRegular()
}

// ReadScript returns a script's source text.
func (s *Store) ReadScript(name string) (string, error) {
	data, err := os.ReadFile(s.ScriptPath(name))
	if err != nil {
		return "", fmt.Errorf("reading script %s: %w", name, err)
	}
	return string(data), nil
}

// SaveScript writes a script's source text, overwriting any prior version.
func (s *Store) SaveScript(name, content string) error {
	if !ValidName(name) {
		return fmt.Errorf("invalid script name %q", name)
	}
	if err := os.WriteFile(s.ScriptPath(name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("saving script %s: %w", name, err)
	}
	return nil
}

// DeleteScript removes a script, its log, and, when it was the autoboot
// target, the autoboot pointer.
func (s *Store) DeleteScript(name string) error {
	if err := os.Remove(s.ScriptPath(name)); err != nil {
		return fmt.Errorf("deleting script %s: %w", name, err)
	}
	if err := os.Remove(s.LogPath(name)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove script log",
			slog.String("script", name),
			slog.String("error", err.Error()),
		)
	}
	if s.Autoboot() == name {
		if err := s.SetAutoboot(""); err != nil {
			return err
		}
	}
	return nil
}

// FileInfo is the on-disk metadata for one script.
type FileInfo struct {
	Name     string
	Size     int64
	Modified time.Time
	HasLog   bool
	Autoboot bool
}

// List returns metadata for every .py file in the code directory, sorted by
// name. Validation state and running state are the callers' concern.
func (s *Store) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(s.codeDir)
	if err != nil {
		return nil, fmt.Errorf("listing code directory: %w", err)
	}
	autoboot := s.Autoboot()

	var infos []FileInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".py") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, FileInfo{
			Name:     name,
			Size:     fi.Size(),
			Modified: fi.ModTime(),
			HasLog:   s.HasLog(name),
			Autoboot: name == autoboot,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// HasLog reports whether an execution log exists for the script.
func (s *Store) HasLog(name string) bool {
	_, err := os.Stat(s.LogPath(name))
	return err == nil
}

// SaveLog persists a full transcript, overwriting prior content: a header
// identifying the script, the exit instant, a separator, then the chunks
// concatenated in emission order.
func (s *Store) SaveLog(name string, chunks [][]byte, endedAt time.Time) error {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Execution Log for %s ===\n", name)
	fmt.Fprintf(&b, "Timestamp: %s\n", endedAt.Format(time.RFC3339))
	b.WriteString(logSeparator + "\n\n")
	for _, chunk := range chunks {
		b.Write(chunk)
	}
	if err := os.WriteFile(s.LogPath(name), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("saving log for %s: %w", name, err)
	}
	return nil
}

// ReadLog returns a script's persisted execution log.
func (s *Store) ReadLog(name string) (string, error) {
	data, err := os.ReadFile(s.LogPath(name))
	if err != nil {
		return "", fmt.Errorf("reading log for %s: %w", name, err)
	}
	return string(data), nil
}

// Autoboot returns the configured autoboot script, or "" when the pointer
// file is absent, empty, or names a script that no longer exists. The file's
// entire trimmed content is a single script identifier.
func (s *Store) Autoboot() string {
	data, err := os.ReadFile(s.autobootFile)
	if err != nil {
		return ""
	}
	name := strings.TrimSpace(string(data))
	if name == "" || !s.Exists(name) {
		return ""
	}
	return name
}

// SetAutoboot writes the autoboot pointer; an empty name removes it.
func (s *Store) SetAutoboot(name string) error {
	if name == "" {
		if err := os.Remove(s.autobootFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clearing autoboot pointer: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.autobootFile), 0o755); err != nil {
		return fmt.Errorf("creating autoboot directory: %w", err)
	}
	if err := os.WriteFile(s.autobootFile, []byte(name), 0o644); err != nil {
		return fmt.Errorf("writing autoboot pointer: %w", err)
	}
	return nil
}
