package wasm

import "strings"

// Dialect describes how to launch an interpreter module in session mode.
type Dialect interface {
	Name() string
	// Args returns argv for the guest given the boot script.
	Args(boot string) []string
	// Env returns extra guest environment for a library mounted at libDir.
	Env(libDir string) map[string]string
}

// Python launches a CPython or RustPython WASI build.
type Python struct{}

func (Python) Name() string { return "python" }

func (Python) Args(boot string) []string {
	return []string{"python", "-c", boot}
}

func (Python) Env(libDir string) map[string]string {
	if libDir == "" {
		return nil
	}
	return map[string]string{"PYTHONPATH": libDir}
}

// QuickJS launches a QuickJS WASI build.
type QuickJS struct{}

func (QuickJS) Name() string { return "quickjs" }

func (QuickJS) Args(boot string) []string {
	return []string{"qjs", "--std", "-e", boot}
}

func (QuickJS) Env(libDir string) map[string]string {
	if libDir == "" {
		return nil
	}
	return map[string]string{"QJS_MODULE_PATH": libDir}
}

// Plain launches a module that implements the session loop itself and
// ignores the boot script.
type Plain struct{}

func (Plain) Name() string { return "plain" }

func (Plain) Args(string) []string { return []string{"guest"} }

func (Plain) Env(libDir string) map[string]string {
	if libDir == "" {
		return nil
	}
	return map[string]string{"GORU_LIBRARY_PATH": libDir}
}

// DialectByName resolves a configured dialect name. Unknown names are
// reported with ok == false.
func DialectByName(name string) (Dialect, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "python", "py":
		return Python{}, true
	case "quickjs", "javascript", "js":
		return QuickJS{}, true
	case "plain", "":
		return Plain{}, true
	}
	return nil, false
}
