package main

import (
	"testing"
)

func TestBuildRootHasSubcommands(t *testing.T) {
	root := buildRoot()
	if root.Use != "autoexec" {
		t.Fatalf("unexpected root use %q", root.Use)
	}
	for _, name := range []string{"serve", "status", "services"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == nil || cmd.Name() != name {
			t.Errorf("subcommand %s not registered: %v", name, err)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("missing --config flag")
	}
}

func TestServeFlagsRegistered(t *testing.T) {
	root := buildRoot()
	serve, _, err := root.Find([]string{"serve"})
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{"services", "repos", "listen", "pidfile", "daemonize", "logfile"} {
		if serve.Flags().Lookup(f) == nil {
			t.Errorf("serve is missing --%s", f)
		}
	}
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	t.Setenv("AUTOEXEC_CHECK_INTERVAL", "-1s")
	root := buildRoot()
	root.SetArgs([]string{"serve"})
	err := root.Execute()
	if err == nil {
		t.Fatal("expected invalid config error")
	}
}

func TestServeRejectsMissingConfigFile(t *testing.T) {
	root := buildRoot()
	root.SetArgs([]string{"serve", "/definitely/not/here.toml"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
