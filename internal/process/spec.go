package process

import (
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loykin/autoexec/internal/logger"
)

// Spec describes one worker process.
type Spec struct {
	Name    string            `json:"name"`     // used for log file names
	Program string            `json:"program"`  // executable, resolved through PATH
	Args    []string          `json:"args"`     // arguments after Program
	WorkDir string            `json:"work_dir"` // optional working dir
	Env     []string          `json:"env"`      // full environment; inherits the manager's when empty
	Log     logger.FileConfig `json:"log"`      // output rotation; inherits stdio when Log.Dir is empty
}

// Interpreted returns a Spec running script through interpreter.
// The interpreter string may carry flags ("python3 -u"). An empty interpreter runs
// the script directly; a bare relative name is then anchored to the work dir
// instead of being looked up in PATH.
func Interpreted(name, interpreter, script string) Spec {
	parts := strings.Fields(interpreter)
	if len(parts) == 0 {
		if !filepath.IsAbs(script) && !strings.ContainsAny(script, `/\`) {
			script = "." + string(filepath.Separator) + script
		}
		return Spec{Name: name, Program: script}
	}
	args := append(append([]string(nil), parts[1:]...), script)
	return Spec{Name: name, Program: parts[0], Args: args}
}

// BuildCommand constructs an *exec.Cmd for the spec. It never goes through a shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	// ok: intentional execution of the configured worker
	// #nosec G204
	cmd := exec.Command(s.Program, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = s.Env
	}
	return cmd
}
