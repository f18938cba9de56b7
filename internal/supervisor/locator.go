package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultEntry is the backend's entry script.
const DefaultEntry = "main.py"

// Locator finds the backend directory. In development it sits next to the
// shell's working directory; packaged builds ship it under the resources dir.
type Locator struct {
	Dev          bool
	WorkDir      string // defaults to the process working directory
	ResourcesDir string
	Entry        string // defaults to DefaultEntry
}

// EntryPath is where the backend entry script is expected.
func (l Locator) EntryPath() string {
	entry := l.Entry
	if entry == "" {
		entry = DefaultEntry
	}
	if l.Dev {
		wd := l.WorkDir
		if wd == "" {
			wd, _ = os.Getwd()
		}
		return filepath.Join(wd, "..", "backend", entry)
	}
	return filepath.Join(l.ResourcesDir, "backend", entry)
}

// Resolve returns the backend directory, or ErrBackendNotFound when the
// entry script is missing.
func (l Locator) Resolve() (string, error) {
	p := filepath.Clean(l.EntryPath())
	st, err := os.Stat(p)
	if err != nil || st.IsDir() {
		return "", fmt.Errorf("%w at: %s", ErrBackendNotFound, p)
	}
	return filepath.Dir(p), nil
}
