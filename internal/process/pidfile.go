package process

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// WritePIDFile records pid on the first line followed by the JSON-encoded spec.
func WritePIDFile(path string, pid int, spec Spec) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	b, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	data := strconv.Itoa(pid) + "\n" + string(b) + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}

// ReadPIDFile reads a file written by WritePIDFile. spec is nil when the file
// only holds a PID or the JSON part is unreadable.
func ReadPIDFile(path string) (int, *Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, nil, err
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return pid, nil, nil
	}
	var spec Spec
	if err := json.Unmarshal([]byte(rest), &spec); err != nil {
		return pid, nil, nil
	}
	return pid, &spec, nil
}

// RemovePIDFile best-effort
func RemovePIDFile(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}
