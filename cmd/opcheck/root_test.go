package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/example/go-opcheck/internal/config"
)

func TestNewRootCmd_HasExpectedSubcommands(t *testing.T) {
	root := NewRootCmd()

	want := []string{"run", "gen", "inspect", "doctor", "version"}
	for _, name := range want {
		found := false

		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}

		if !found {
			t.Errorf("expected subcommand %q not found in root", name)
		}
	}
}

func TestNewRootCmd_HasPersistentFlags(t *testing.T) {
	root := NewRootCmd()

	for _, name := range []string{"config", "device", "op", "dtype", "profile", "report-arrow", "log-level"} {
		if root.PersistentFlags().Lookup(name) == nil {
			t.Errorf("expected --%s persistent flag to be registered", name)
		}
	}
}

func TestSetupLogger_DoesNotPanic(_ *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		setupLogger(level, false)
	}

	setupLogger("info", true)
}

func TestSetupLogger_InvalidLevelFallsBackToInfo(_ *testing.T) {
	// Should not panic on invalid level.
	setupLogger("not-a-level", false)
}

func TestRequireConfig_FailsWhenNotInitialized(t *testing.T) {
	orig := activeCfg

	t.Cleanup(func() { activeCfg = orig })

	activeCfg = config.Config{}

	_, err := requireConfig()
	if err == nil {
		t.Fatal("expected error when config is not loaded")
	}
}

func TestRequireConfig_SucceedsWhenLoaded(t *testing.T) {
	orig := activeCfg

	t.Cleanup(func() { activeCfg = orig })

	activeCfg = config.DefaultConfig()

	got, err := requireConfig()
	if err != nil {
		t.Fatalf("requireConfig returned unexpected error: %v", err)
	}

	if got.Run.Devices[0] != "cpu" {
		t.Errorf("unexpected devices: %v", got.Run.Devices)
	}
}

func TestVersionCmd(t *testing.T) {
	orig := activeCfg

	t.Cleanup(func() { activeCfg = orig })

	root := NewRootCmd()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}

	if !strings.HasPrefix(out.String(), "opcheck "+version) {
		t.Errorf("unexpected version output: %q", out.String())
	}
}

func TestRootCmd_FlagsReachConfig(t *testing.T) {
	orig := activeCfg

	t.Cleanup(func() { activeCfg = orig })

	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"version", "--device", "nvidia", "--op", "swiglu", "--seed", "42"})

	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(activeCfg.Run.Devices) != 1 || activeCfg.Run.Devices[0] != "nvidia" {
		t.Errorf("devices = %v, want [nvidia]", activeCfg.Run.Devices)
	}

	if len(activeCfg.Run.Ops) != 1 || activeCfg.Run.Ops[0] != "swiglu" || activeCfg.Run.Seed != 42 {
		t.Errorf("run config = %+v", activeCfg.Run)
	}
}
