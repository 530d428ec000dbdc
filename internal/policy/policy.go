// Package policy holds the static security policy applied to uploaded
// Python scripts: blocked modules, blocked builtins, blocked dotted function
// paths, explicitly allowed hardware modules, and the filesystem roots
// scripts may write under.
//
// A Catalog is immutable after construction and safe for concurrent use
// without locking.
package policy

import (
	"path/filepath"
	"sort"
	"strings"
)

// Catalog is the read-only rule set consulted by the validator.
// Construct one with Default or FromLists; never mutate the fields after.
type Catalog struct {
	blockedModules   map[string]struct{}
	blockedBuiltins  map[string]struct{}
	blockedFunctions map[string]struct{}
	allowedModules   map[string]struct{}
	allowedPaths     []string

	// Kept in declaration order for reporting surfaces (the HTTP policy
	// endpoint returns them as lists).
	blockedModuleList   []string
	blockedBuiltinList  []string
	blockedFunctionList []string
}

// FromLists builds a Catalog from explicit rule lists. Empty lists are
// honored as-is; callers wanting the stock rules use Default.
func FromLists(blockedModules, blockedBuiltins, blockedFunctions, allowedModules, allowedPaths []string) *Catalog {
	c := &Catalog{
		blockedModules:      make(map[string]struct{}, len(blockedModules)),
		blockedBuiltins:     make(map[string]struct{}, len(blockedBuiltins)),
		blockedFunctions:    make(map[string]struct{}, len(blockedFunctions)),
		allowedModules:      make(map[string]struct{}, len(allowedModules)),
		allowedPaths:        make([]string, 0, len(allowedPaths)),
		blockedModuleList:   append([]string(nil), blockedModules...),
		blockedBuiltinList:  append([]string(nil), blockedBuiltins...),
		blockedFunctionList: append([]string(nil), blockedFunctions...),
	}
	for _, m := range blockedModules {
		c.blockedModules[m] = struct{}{}
	}
	for _, b := range blockedBuiltins {
		c.blockedBuiltins[b] = struct{}{}
	}
	for _, f := range blockedFunctions {
		c.blockedFunctions[f] = struct{}{}
	}
	for _, m := range allowedModules {
		c.allowedModules[m] = struct{}{}
	}
	for _, p := range allowedPaths {
		if abs, err := filepath.Abs(p); err == nil {
			c.allowedPaths = append(c.allowedPaths, filepath.Clean(abs))
		}
	}
	return c
}

// Default returns the stock catalog used on devices: networking, databases,
// subprocess control, code-execution and serialization modules blocked;
// GPIO stacks allowed; writes confined to the code directory.
func Default(codeDir string) *Catalog {
	return FromLists(
		defaultBlockedModules,
		defaultBlockedBuiltins,
		defaultBlockedFunctions,
		defaultAllowedModules,
		[]string{codeDir},
	)
}

// IsBlockedModule reports whether importing name violates the catalog.
// An allowed-module match (exact or dotted prefix) always wins, even when a
// blocked entry would match as an ancestor prefix.
func (c *Catalog) IsBlockedModule(name string) bool {
	if name == "" {
		return false
	}
	for allowed := range c.allowedModules {
		if name == allowed || strings.HasPrefix(name, allowed+".") {
			return false
		}
	}
	for blocked := range c.blockedModules {
		if name == blocked || strings.HasPrefix(name, blocked+".") {
			return true
		}
	}
	return false
}

// IsBlockedBuiltin reports whether a bare identifier call is a blocked builtin.
func (c *Catalog) IsBlockedBuiltin(name string) bool {
	_, ok := c.blockedBuiltins[name]
	return ok
}

// IsBlockedFunction reports whether a dotted call path (e.g. "os.system")
// is blocked.
func (c *Catalog) IsBlockedFunction(dotted string) bool {
	_, ok := c.blockedFunctions[dotted]
	return ok
}

// IsPathAllowed reports whether a literal filesystem path falls under one of
// the allowed roots after canonicalization. Unresolvable paths are not
// allowed.
func (c *Catalog) IsPathAllowed(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	abs = filepath.Clean(abs)
	for _, root := range c.allowedPaths {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// BlockedModules returns the blocked module list in declaration order.
func (c *Catalog) BlockedModules() []string { return append([]string(nil), c.blockedModuleList...) }

// BlockedBuiltins returns the blocked builtin list in declaration order.
func (c *Catalog) BlockedBuiltins() []string { return append([]string(nil), c.blockedBuiltinList...) }

// BlockedFunctions returns the blocked function list in declaration order.
func (c *Catalog) BlockedFunctions() []string {
	return append([]string(nil), c.blockedFunctionList...)
}

// AllowedModules returns the allowlisted module names, sorted.
func (c *Catalog) AllowedModules() []string {
	out := make([]string, 0, len(c.allowedModules))
	for m := range c.allowedModules {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// AllowedPaths returns the canonicalized roots scripts may write under.
func (c *Catalog) AllowedPaths() []string { return append([]string(nil), c.allowedPaths...) }

var defaultBlockedModules = []string{
	// Network / internet.
	"socket", "socketserver", "ssl",
	"urllib", "urllib.request", "urllib.parse", "urllib.error", "urllib.robotparser",
	"http", "http.client", "http.server", "http.cookies", "http.cookiejar",
	"ftplib", "poplib", "imaplib", "smtplib", "telnetlib",
	"xmlrpc", "xmlrpc.client", "xmlrpc.server",
	"ipaddress",
	"asyncio", // usable for networking
	"aiohttp", "requests", "httpx", "urllib3", "websocket", "websockets",
	"paramiko", "fabric", "pycurl", "tornado", "twisted",
	"flask", "django", "fastapi", "bottle", "cherrypy",

	// Databases.
	"sqlite3", "dbm", "dbm.gnu", "dbm.ndbm", "dbm.dumb", "shelve",
	"psycopg2", "pymysql", "mysql", "mysql.connector", "pymongo", "redis",
	"sqlalchemy", "peewee", "cx_Oracle", "pyodbc",

	// Subprocess / command execution.
	"subprocess", "popen2", "commands", "pexpect",
	"pty", // the supervisor uses one; user scripts must not

	// Code execution / import machinery.
	"importlib", "importlib.util", "importlib.abc", "importlib.machinery",
	"importlib.resources", "imp", "runpy", "code", "codeop",
	"compileall", "py_compile", "ast", "dis", "inspect", "types",

	// System / process control.
	"multiprocessing", "concurrent", "concurrent.futures",
	"_thread", "threading", "sched", "resource", "sysconfig", "platform",
	"ctypes", "cffi",

	// Serialization escape hatches.
	"pickle", "cPickle", "marshal", "dill", "cloudpickle",
}

var defaultBlockedBuiltins = []string{
	"eval", "exec", "compile", "__import__",
	"globals", "locals", "vars", "dir",
	"getattr", "setattr", "delattr", "hasattr",
	"breakpoint", "memoryview", "bytearray",
}

var defaultBlockedFunctions = []string{
	"os.system", "os.popen",
	"os.spawn", "os.spawnl", "os.spawnle", "os.spawnlp", "os.spawnlpe",
	"os.spawnv", "os.spawnve", "os.spawnvp", "os.spawnvpe",
	"os.exec", "os.execl", "os.execle", "os.execlp", "os.execlpe",
	"os.execv", "os.execve", "os.execvp", "os.execvpe",
	"os.fork", "os.forkpty",
	"os.kill", "os.killpg", "os.plock", "os.startfile",
}

// GPIO stacks get an explicit pass so a blanket module block can never
// shadow them.
var defaultAllowedModules = []string{
	"RPi", "RPi.GPIO", "gpiozero", "pigpio", "RPIO",
	"wiringpi", "spidev", "smbus", "smbus2",
}
