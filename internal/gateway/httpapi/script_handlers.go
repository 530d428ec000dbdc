package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/jkaninda/okapi"

	"pyrunner/internal/store"
	"pyrunner/internal/validator"
)

// ScriptInfo is one entry in the script inventory.
type ScriptInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	Valid    bool      `json:"valid"`
	Errors   []string  `json:"errors,omitempty"`
	Missing  []string  `json:"missing,omitempty"`
	Running  bool      `json:"running"`
	PID      *int      `json:"pid,omitempty"`
	Runtime  *float64  `json:"runtime,omitempty"`
	HasLog   bool      `json:"has_log"`
	Autoboot bool      `json:"autoboot"`
}

// ScriptListResponse is the full inventory: stored scripts plus Python
// processes running our scripts outside the supervisor.
type ScriptListResponse struct {
	Scripts  []ScriptInfo            `json:"scripts"`
	External []store.ExternalProcess `json:"external,omitempty"`
	Autoboot string                  `json:"autoboot,omitempty"`
}

func (g *Gateway) handleScriptList(c *okapi.Context) error {
	files, err := g.store.List()
	if err != nil {
		g.logger.Error("script listing failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing scripts failed")
	}

	scripts := make([]ScriptInfo, 0, len(files))
	for _, f := range files {
		scripts = append(scripts, g.describe(f))
	}

	return c.OK(ScriptListResponse{
		Scripts:  scripts,
		External: g.store.ExternalProcesses(g.sup.IsRunning),
		Autoboot: g.store.Autoboot(),
	})
}

// describe enriches one stored file with validation and run state.
func (g *Gateway) describe(f store.FileInfo) ScriptInfo {
	info := ScriptInfo{
		Name:     f.Name,
		Size:     f.Size,
		Modified: f.Modified,
		HasLog:   f.HasLog,
		Autoboot: f.Autoboot,
	}

	if code, err := g.store.ReadScript(f.Name); err == nil {
		valid, violations := g.validator.Validate(code, f.Name)
		info.Valid = valid
		info.Errors = validator.Strings(violations)
		if valid {
			info.Missing = g.validator.MissingLocalImports(code)
		}
	}

	if st := g.sup.Status(f.Name); st.Running {
		info.Running = true
		info.PID = st.PID
		info.Runtime = st.Runtime
	}
	return info
}

// ScriptDetailResponse is one script's source plus its inventory entry.
type ScriptDetailResponse struct {
	ScriptInfo
	Content string `json:"content"`
}

func (g *Gateway) handleScriptGet(c *okapi.Context) error {
	name := c.Param("name")
	if !store.ValidName(name) || !g.store.Exists(name) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "script not found"})
	}
	content, err := g.store.ReadScript(name)
	if err != nil {
		return c.AbortInternalServerError("reading script failed")
	}
	files, err := g.store.List()
	if err != nil {
		return c.AbortInternalServerError("listing scripts failed")
	}
	for _, f := range files {
		if f.Name == name {
			return c.OK(ScriptDetailResponse{ScriptInfo: g.describe(f), Content: content})
		}
	}
	return c.JSON(http.StatusNotFound, okapi.M{"error": "script not found"})
}

func (g *Gateway) handleScriptDelete(c *okapi.Context) error {
	name := c.Param("name")
	if !store.ValidName(name) || !g.store.Exists(name) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "script not found"})
	}
	if g.sup.IsRunning(name) {
		return c.JSON(http.StatusConflict, okapi.M{"error": "script is running, stop it first"})
	}
	if err := g.store.DeleteScript(name); err != nil {
		g.logger.Error("script delete failed",
			slog.String("script", name),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("deleting script failed")
	}
	g.logger.Info("script deleted", slog.String("script", name))
	return c.OK(map[string]string{"status": "deleted"})
}

// LogResponse carries the persisted transcript of a script's last run.
type LogResponse struct {
	Script string `json:"script"`
	Log    string `json:"log"`
}

func (g *Gateway) handleScriptLog(c *okapi.Context) error {
	name := c.Param("name")
	if !store.ValidName(name) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "script not found"})
	}
	log, err := g.store.ReadLog(name)
	if err != nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "no log for script"})
	}
	return c.OK(LogResponse{Script: name, Log: log})
}

// AutobootResponse reports the active autoboot pointer after a change.
type AutobootResponse struct {
	Autoboot string `json:"autoboot"`
}

func (g *Gateway) handleAutobootSet(c *okapi.Context) error {
	name := c.Param("name")
	if !store.ValidName(name) || !g.store.Exists(name) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "script not found"})
	}
	if err := g.store.SetAutoboot(name); err != nil {
		return c.AbortInternalServerError("setting autoboot failed")
	}
	g.logger.Info("autoboot set", slog.String("script", name))
	return c.OK(AutobootResponse{Autoboot: g.store.Autoboot()})
}

func (g *Gateway) handleAutobootClear(c *okapi.Context) error {
	name := c.Param("name")
	if g.store.Autoboot() == name {
		if err := g.store.SetAutoboot(""); err != nil {
			return c.AbortInternalServerError("clearing autoboot failed")
		}
		g.logger.Info("autoboot cleared", slog.String("script", name))
	}
	return c.OK(AutobootResponse{Autoboot: g.store.Autoboot()})
}

// PolicyResponse reports the active validation rules.
type PolicyResponse struct {
	BlockedModules   []string `json:"blocked_modules"`
	BlockedBuiltins  []string `json:"blocked_builtins"`
	BlockedFunctions []string `json:"blocked_functions"`
	AllowedModules   []string `json:"allowed_modules"`
	AllowedPaths     []string `json:"allowed_paths"`
}

func (g *Gateway) handlePolicy(c *okapi.Context) error {
	return c.OK(PolicyResponse{
		BlockedModules:   g.catalog.BlockedModules(),
		BlockedBuiltins:  g.catalog.BlockedBuiltins(),
		BlockedFunctions: g.catalog.BlockedFunctions(),
		AllowedModules:   g.catalog.AllowedModules(),
		AllowedPaths:     g.catalog.AllowedPaths(),
	})
}

// UploadResponse reports the outcome of a script upload. A script is saved
// only when it passes validation; Errors carries the violations otherwise.
type UploadResponse struct {
	Script  string   `json:"script"`
	Saved   bool     `json:"saved"`
	Errors  []string `json:"errors,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

// handleUpload accepts a multipart upload of one .py file under the "file"
// field. Invalid scripts are reported and not written.
func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid multipart request"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "file field is required"})
		return
	}
	defer file.Close()

	name := header.Filename
	if !store.ValidName(name) {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "only plain .py file names are accepted"})
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "reading upload failed"})
		return
	}
	if !utf8.Valid(data) {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "script must be UTF-8 text"})
		return
	}
	code := string(data)

	valid, violations := g.validator.Validate(code, name)
	if !valid {
		writeJSON(w, http.StatusUnprocessableEntity, UploadResponse{
			Script: name,
			Saved:  false,
			Errors: validator.Strings(violations),
		})
		return
	}

	if err := g.store.SaveScript(name, code); err != nil {
		g.logger.Error("script save failed",
			slog.String("script", name),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: "saving script failed"})
		return
	}

	g.logger.Info("script uploaded", slog.String("script", name), slog.Int("bytes", len(data)))
	writeJSON(w, http.StatusCreated, UploadResponse{
		Script:  name,
		Saved:   true,
		Missing: g.validator.MissingLocalImports(code),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (g *Gateway) handleHistoryRecent(c *okapi.Context) error {
	runs, err := g.history.Recent(c.Context(), 0)
	if err != nil {
		return c.AbortInternalServerError("reading history failed")
	}
	return c.OK(runs)
}

func (g *Gateway) handleHistoryForScript(c *okapi.Context) error {
	name := c.Param("name")
	if !store.ValidName(name) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "script not found"})
	}
	runs, err := g.history.ForScript(c.Context(), name, 0)
	if err != nil {
		return c.AbortInternalServerError("reading history failed")
	}
	return c.OK(runs)
}
