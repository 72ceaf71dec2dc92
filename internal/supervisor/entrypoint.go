package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultEntryFile is the well-known file naming the script to run.
const DefaultEntryFile = "autoexec.txt"

var (
	ErrEntryFileMissing = errors.New("entry point file not found")
	ErrScriptMissing    = errors.New("script not found or invalid")
	ErrUnsafeScript     = errors.New("script path escapes the checkout")
)

// ReadEntryPoint reads the entry file inside checkout and returns the declared
// script, relative to the checkout. The declared name is returned together with
// ErrScriptMissing or ErrUnsafeScript so that callers can still report it.
func ReadEntryPoint(checkout, file string) (string, error) {
	if file == "" {
		file = DefaultEntryFile
	}
	b, err := os.ReadFile(filepath.Join(checkout, file))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrEntryFileMissing, file)
		}
		return "", fmt.Errorf("read %s: %w", file, err)
	}
	script := strings.TrimSpace(string(b))
	if script == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrScriptMissing, file)
	}
	if filepath.IsAbs(script) {
		return script, fmt.Errorf("%w: %s", ErrUnsafeScript, script)
	}
	clean := filepath.Clean(script)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return script, fmt.Errorf("%w: %s", ErrUnsafeScript, script)
	}
	fi, err := os.Stat(filepath.Join(checkout, clean))
	if err != nil || fi.IsDir() {
		return script, fmt.Errorf("%w: %s", ErrScriptMissing, script)
	}
	return clean, nil
}
