package supervisor

import (
	"strings"

	"github.com/loykin/autoexec/internal/definition"
	"github.com/loykin/autoexec/internal/env"
	"github.com/loykin/autoexec/internal/logger"
	"github.com/loykin/autoexec/internal/process"
)

// DefaultInterpreter runs scripts when no interpreter is configured.
const DefaultInterpreter = "python3"

// ProcessLauncher starts scripts as child processes in their own process group,
// with the checkout as working directory.
type ProcessLauncher struct {
	Interpreter string
	Env         *env.Env
	Log         logger.FileConfig
}

// NewProcessLauncher snapshots the manager environment once so that concurrent
// launches only read it.
func NewProcessLauncher(interpreter string, e *env.Env, log logger.FileConfig) *ProcessLauncher {
	if e == nil {
		e = env.New()
	}
	if !e.NoOS {
		e.FromOS()
	}
	return &ProcessLauncher{Interpreter: interpreter, Env: e, Log: log}
}

func (l *ProcessLauncher) Launch(def definition.Definition, script string) (Worker, error) {
	spec := process.Interpreted(def.Name(), l.Interpreter, script)
	spec.WorkDir = def.Path
	spec.Log = l.Log
	if l.Env != nil {
		spec.Env = workerEnv(l.Env, def)
	}
	w, err := process.Start(spec)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// workerEnv composes a worker's environment. The AUTOEXEC_* identity variables
// override configured ones and are passed through without ${VAR} expansion.
func workerEnv(e *env.Env, def definition.Definition) []string {
	ident := []string{
		"AUTOEXEC_SERVICE=" + def.Name(),
		"AUTOEXEC_REPO_PATH=" + def.Path,
		"AUTOEXEC_BRANCH=" + def.Branch,
	}
	out := e.Merge(ident)
	for i, kv := range out {
		k, _, _ := strings.Cut(kv, "=")
		for _, id := range ident {
			if strings.HasPrefix(id, k+"=") {
				out[i] = id
			}
		}
	}
	return out
}
