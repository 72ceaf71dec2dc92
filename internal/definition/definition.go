package definition

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultBranch is used when a definition line names no branch.
const DefaultBranch = "main"

// ErrNoServicesFile is returned by ParseFile when the definitions file does not exist.
var ErrNoServicesFile = errors.New("services file not found")

// ErrInvalidLine wraps every per-line problem reported by Parse. The set
// returned alongside it is still usable.
var ErrInvalidLine = errors.New("invalid definition line")

// Definition is one supervised service. It is immutable once parsed.
type Definition struct {
	URL    string `json:"url"`
	Branch string `json:"branch"`
	Path   string `json:"path"` // absolute checkout directory
}

// ID is the service identity: the canonical local checkout path.
func (d Definition) ID() string { return d.Path }

// Name is the checkout directory name, used for log attributes and worker log files.
func (d Definition) Name() string { return filepath.Base(d.Path) }

// Set maps service identity to its definition.
type Set map[string]Definition

// Keys returns the identities in sorted order.
func (s Set) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Diff compares the desired set s against the identities currently running.
// added are desired but not running; removed are running but no longer desired.
func (s Set) Diff(running []string) (added, removed []string) {
	cur := make(map[string]struct{}, len(running))
	for _, id := range running {
		cur[id] = struct{}{}
		if _, ok := s[id]; !ok {
			removed = append(removed, id)
		}
	}
	for _, id := range s.Keys() {
		if _, ok := cur[id]; !ok {
			added = append(added, id)
		}
	}
	sort.Strings(removed)
	return added, removed
}

// RepoName derives a directory name from a repository URL's last path segment,
// without extension. Returns "unknown_repo" when nothing usable remains.
func RepoName(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" {
		p = u.Path
	} else if i := strings.LastIndex(raw, ":"); i >= 0 {
		// scp-like syntax: git@host:org/repo.git
		p = raw[i+1:]
	}
	base := path.Base(strings.TrimRight(p, "/"))
	name := strings.TrimSuffix(base, path.Ext(base))
	if name == "" || name == "." || name == "/" {
		return "unknown_repo"
	}
	return name
}

// Parse reads line-oriented definitions: `<url> [branch] [dir]`.
// Blank lines and lines starting with '#' are ignored; later duplicates win.
// Lines naming an unsafe directory are skipped and reported as ErrInvalidLine,
// while every valid entry is still returned.
func Parse(r io.Reader, reposDir string) (Set, error) {
	root, err := filepath.Abs(reposDir)
	if err != nil {
		return nil, fmt.Errorf("resolve repos dir: %w", err)
	}
	set := make(Set)
	var problems []error
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		d := Definition{URL: parts[0], Branch: DefaultBranch}
		if len(parts) > 1 {
			d.Branch = parts[1]
		}
		dir := RepoName(d.URL)
		if len(parts) > 2 {
			dir = parts[2]
		}
		if !isSafeDirName(dir) {
			problems = append(problems, fmt.Errorf("%w: line %d: unsafe directory name %q", ErrInvalidLine, lineNo, dir))
			continue
		}
		d.Path = filepath.Join(root, dir)
		set[d.ID()] = d
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}
	return set, errors.Join(problems...)
}

// ParseFile parses the definitions file at p. A missing file yields an empty set
// together with ErrNoServicesFile.
func ParseFile(p, reposDir string) (Set, error) {
	f, err := os.Open(filepath.Clean(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Set{}, fmt.Errorf("%w: %s", ErrNoServicesFile, p)
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Parse(f, reposDir)
}

// isSafeDirName allows a single path element without traversal.
func isSafeDirName(s string) bool {
	if s == "" || s == "." || strings.Contains(s, "..") {
		return false
	}
	return !strings.ContainsAny(s, `/\`)
}
