package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loykin/autoexec/internal/definition"
)

func writeServices(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "services.txt")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRunServicesTable(t *testing.T) {
	p := writeServices(t, "# comment\nhttps://example.com/org/api.git\nhttps://example.com/org/web.git prod site\n")
	repos := t.TempDir()
	var out bytes.Buffer
	if err := runServices(&out, &ServicesFlags{ServicesFile: p, ReposDir: repos}); err != nil {
		t.Fatal(err)
	}
	s := out.String()
	for _, want := range []string{"NAME", "api", "main", "site", "prod", filepath.Join(repos, "site")} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q:\n%s", want, s)
		}
	}
}

func TestRunServicesJSON(t *testing.T) {
	p := writeServices(t, "https://example.com/org/api.git dev\n")
	var out bytes.Buffer
	if err := runServices(&out, &ServicesFlags{ServicesFile: p, ReposDir: t.TempDir(), JSON: true}); err != nil {
		t.Fatal(err)
	}
	var defs []definition.Definition
	if err := json.Unmarshal(out.Bytes(), &defs); err != nil {
		t.Fatal(err)
	}
	if len(defs) != 1 || defs[0].Branch != "dev" || defs[0].Name() != "api" {
		t.Errorf("unexpected defs %+v", defs)
	}
}

func TestRunServicesMissingFile(t *testing.T) {
	var out bytes.Buffer
	err := runServices(&out, &ServicesFlags{ServicesFile: filepath.Join(t.TempDir(), "none.txt"), ReposDir: t.TempDir()})
	if !errors.Is(err, definition.ErrNoServicesFile) {
		t.Fatalf("expected ErrNoServicesFile, got %v", err)
	}
}

func TestRunServicesReportsUnsafeEntries(t *testing.T) {
	p := writeServices(t, "https://example.com/org/api.git\nhttps://example.com/org/evil.git main ..\n")
	var out bytes.Buffer
	err := runServices(&out, &ServicesFlags{ServicesFile: p, ReposDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected unsafe entry to be reported")
	}
	if !strings.Contains(out.String(), "api") {
		t.Errorf("valid entries should still be printed:\n%s", out.String())
	}
}
