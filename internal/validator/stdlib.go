package validator

import "strings"

// stdlibModules names modules that ship with the standard distribution (or
// are commonly installed system-wide) and therefore are never treated as
// same-directory "local" imports. Not exhaustive; covers what device scripts
// realistically reach for.
var stdlibModules = map[string]struct{}{
	"abc": {}, "aifc": {}, "argparse": {}, "array": {}, "ast": {},
	"asynchat": {}, "asyncio": {}, "asyncore": {}, "atexit": {},
	"audioop": {}, "base64": {}, "bdb": {}, "binascii": {}, "binhex": {},
	"bisect": {}, "builtins": {}, "bz2": {}, "calendar": {}, "cgi": {},
	"cgitb": {}, "chunk": {}, "cmath": {}, "cmd": {}, "code": {},
	"codecs": {}, "codeop": {}, "collections": {}, "colorsys": {},
	"compileall": {}, "concurrent": {}, "configparser": {}, "contextlib": {},
	"contextvars": {}, "copy": {}, "copyreg": {}, "cProfile": {},
	"crypt": {}, "csv": {}, "ctypes": {}, "curses": {}, "dataclasses": {},
	"datetime": {}, "dbm": {}, "decimal": {}, "difflib": {}, "dis": {},
	"distutils": {}, "doctest": {}, "email": {}, "encodings": {},
	"enum": {}, "errno": {}, "faulthandler": {}, "fcntl": {},
	"filecmp": {}, "fileinput": {}, "fnmatch": {}, "fractions": {},
	"ftplib": {}, "functools": {}, "gc": {}, "getopt": {}, "getpass": {},
	"gettext": {}, "glob": {}, "graphlib": {}, "grp": {}, "gzip": {},
	"hashlib": {}, "heapq": {}, "hmac": {}, "html": {}, "http": {},
	"imaplib": {}, "imghdr": {}, "imp": {}, "importlib": {}, "inspect": {},
	"io": {}, "ipaddress": {}, "itertools": {}, "json": {}, "keyword": {},
	"lib2to3": {}, "linecache": {}, "locale": {}, "logging": {},
	"lzma": {}, "mailbox": {}, "mailcap": {}, "marshal": {}, "math": {},
	"mimetypes": {}, "mmap": {}, "modulefinder": {}, "multiprocessing": {},
	"netrc": {}, "nis": {}, "nntplib": {}, "numbers": {}, "operator": {},
	"optparse": {}, "os": {}, "ossaudiodev": {}, "pathlib": {}, "pdb": {},
	"pickle": {}, "pickletools": {}, "pipes": {}, "pkgutil": {},
	"platform": {}, "plistlib": {}, "poplib": {}, "posix": {},
	"posixpath": {}, "pprint": {}, "profile": {}, "pstats": {}, "pty": {},
	"pwd": {}, "py_compile": {}, "pyclbr": {}, "pydoc": {}, "queue": {},
	"quopri": {}, "random": {}, "re": {}, "readline": {}, "reprlib": {},
	"resource": {}, "rlcompleter": {}, "runpy": {}, "sched": {},
	"secrets": {}, "select": {}, "selectors": {}, "shelve": {},
	"shlex": {}, "shutil": {}, "signal": {}, "site": {}, "smtpd": {},
	"smtplib": {}, "sndhdr": {}, "socket": {}, "socketserver": {},
	"spwd": {}, "sqlite3": {}, "ssl": {}, "stat": {}, "statistics": {},
	"string": {}, "stringprep": {}, "struct": {}, "subprocess": {},
	"sunau": {}, "symtable": {}, "sys": {}, "sysconfig": {}, "syslog": {},
	"tabnanny": {}, "tarfile": {}, "telnetlib": {}, "tempfile": {},
	"termios": {}, "test": {}, "textwrap": {}, "threading": {},
	"time": {}, "timeit": {}, "tkinter": {}, "token": {}, "tokenize": {},
	"trace": {}, "traceback": {}, "tracemalloc": {}, "tty": {},
	"turtle": {}, "turtledemo": {}, "types": {}, "typing": {},
	"unicodedata": {}, "unittest": {}, "urllib": {}, "uu": {}, "uuid": {},
	"venv": {}, "warnings": {}, "wave": {}, "weakref": {},
	"webbrowser": {}, "winreg": {}, "winsound": {}, "wsgiref": {},
	"xdrlib": {}, "xml": {}, "xmlrpc": {}, "zipapp": {}, "zipfile": {},
	"zipimport": {}, "zlib": {},

	// Common third-party packages installed system-wide on devices.
	"gpiozero": {}, "RPi": {}, "pigpio": {}, "numpy": {}, "PIL": {},
	"cv2": {}, "pygame": {},
}

// isLocalImport reports whether an imported name plausibly refers to a
// same-directory source module: a dotless name outside the standard
// distribution set.
func isLocalImport(name string) bool {
	if name == "" {
		return false
	}
	if strings.Contains(name, ".") {
		return false
	}
	_, stdlib := stdlibModules[name]
	return !stdlib
}
