package process

import (
	"os"
	"os/exec"
	"strings"

	"github.com/viarom/furnivia/internal/logger"
)

// Spec describes a child process to launch.
type Spec struct {
	Name    string        `json:"name"`
	Command string        `json:"command"`  // executable, optionally followed by launcher args ("py -3")
	Args    []string      `json:"args"`     // appended to the launcher args
	WorkDir string        `json:"work_dir"` // optional working dir
	Env     []string      `json:"-"`        // full environment; may carry credentials
	Log     logger.Config `json:"log"`      // rotated stdout/stderr files
}

// Argv is the full argument vector. A Command naming an existing file is
// taken whole, so paths with spaces survive; otherwise it is split on
// whitespace. No shell is involved.
func (s *Spec) Argv() []string {
	cmd := strings.TrimSpace(s.Command)
	var argv []string
	if _, err := os.Stat(cmd); err == nil {
		argv = []string{cmd}
	} else {
		argv = strings.Fields(cmd)
	}
	return append(argv, s.Args...)
}

// BuildCommand constructs an *exec.Cmd for the spec.
func (s *Spec) BuildCommand() *exec.Cmd {
	argv := s.Argv()
	// #nosec G204
	return exec.Command(argv[0], argv[1:]...)
}
