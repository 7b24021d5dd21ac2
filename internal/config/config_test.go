package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-opcheck/internal/oplib"
	"github.com/example/go-opcheck/internal/runtime/tensor"
	"github.com/example/go-opcheck/internal/testcase"
	"github.com/spf13/pflag"
)

// fakeBinder wraps a pflag.FlagSet to satisfy the flagBinder interface.
type fakeBinder struct {
	fs *pflag.FlagSet
}

func (f *fakeBinder) Flags() *pflag.FlagSet { return f.fs }

// parsedBinder registers all config flags and parses args.
func parsedBinder(t *testing.T, defaults Config, args ...string) *fakeBinder {
	t.Helper()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}

	return &fakeBinder{fs: fs}
}

// --- DefaultConfig ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if len(cfg.Run.Devices) != 1 || cfg.Run.Devices[0] != "cpu" {
		t.Errorf("Run.Devices = %v; want [cpu]", cfg.Run.Devices)
	}

	if cfg.Profile.Warmups != 10 {
		t.Errorf("Profile.Warmups = %d; want 10", cfg.Profile.Warmups)
	}

	if cfg.Profile.Iterations != 1000 {
		t.Errorf("Profile.Iterations = %d; want 1000", cfg.Profile.Iterations)
	}

	if cfg.Fixture.Dir != "fixtures" {
		t.Errorf("Fixture.Dir = %q; want %q", cfg.Fixture.Dir, "fixtures")
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "info")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

// --- RegisterFlags ---

func TestRegisterFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, DefaultConfig())

	checks := []struct {
		flag string
		want string
	}{
		{"device", "[cpu]"},
		{"warmups", "10"},
		{"iterations", "1000"},
		{"fixture-dir", "fixtures"},
		{"log-level", "info"},
		{"profile", "false"},
	}

	for _, c := range checks {
		f := fs.Lookup(c.flag)
		if f == nil {
			t.Errorf("flag %q not registered", c.flag)
			continue
		}

		if f.DefValue != c.want {
			t.Errorf("flag %q default = %q; want %q", c.flag, f.DefValue, c.want)
		}
	}

	for _, f := range flags {
		if fs.Lookup(f.name) == nil {
			t.Errorf("flag %q is bound to %s but not registered", f.name, f.key)
		}
	}
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	defaults := DefaultConfig()

	cfg, err := Load(LoadOptions{Cmd: parsedBinder(t, defaults), Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Profile.Iterations != defaults.Profile.Iterations {
		t.Errorf("Profile.Iterations = %d; want %d", cfg.Profile.Iterations, defaults.Profile.Iterations)
	}

	if len(cfg.Run.Devices) != 1 || cfg.Run.Devices[0] != "cpu" {
		t.Errorf("Run.Devices = %v; want [cpu]", cfg.Run.Devices)
	}

	if len(cfg.Run.Ops) != 0 {
		t.Errorf("Run.Ops = %v; want empty", cfg.Run.Ops)
	}
}

func TestLoad_FlagOverride(t *testing.T) {
	defaults := DefaultConfig()
	binder := parsedBinder(t, defaults,
		"--device=cpu", "--device=nvidia",
		"--op=rms_norm",
		"--dtype=f16,f32",
		"--seed=42",
		"--profile",
		"--iterations=5",
		"--report-arrow=run.arrow",
		"--log-level=debug",
	)

	cfg, err := Load(LoadOptions{Cmd: binder, Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if strings.Join(cfg.Run.Devices, ",") != "cpu,nvidia" {
		t.Errorf("Run.Devices = %v; want [cpu nvidia]", cfg.Run.Devices)
	}

	if strings.Join(cfg.Run.Ops, ",") != "rms_norm" {
		t.Errorf("Run.Ops = %v; want [rms_norm]", cfg.Run.Ops)
	}

	if strings.Join(cfg.Run.DTypes, ",") != "f16,f32" {
		t.Errorf("Run.DTypes = %v; want [f16 f32]", cfg.Run.DTypes)
	}

	if cfg.Run.Seed != 42 {
		t.Errorf("Run.Seed = %d; want 42", cfg.Run.Seed)
	}

	if !cfg.Profile.Enabled || cfg.Profile.Iterations != 5 {
		t.Errorf("Profile = %+v; want enabled with 5 iterations", cfg.Profile)
	}

	if cfg.Report.ArrowPath != "run.arrow" {
		t.Errorf("Report.ArrowPath = %q; want %q", cfg.Report.ArrowPath, "run.arrow")
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "debug")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("OPCHECK_LOG_LEVEL", "warn")
	t.Setenv("OPCHECK_PROFILE_WARMUPS", "3")
	t.Setenv("OPCHECK_LIBRARY_INFINIOP_PATH", "/opt/infini/lib/libinfiniop.so")

	cfg, err := Load(LoadOptions{Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "warn")
	}

	if cfg.Profile.Warmups != 3 {
		t.Errorf("Profile.Warmups = %d; want 3", cfg.Profile.Warmups)
	}

	if cfg.Library.InfiniopPath != "/opt/infini/lib/libinfiniop.so" {
		t.Errorf("Library.InfiniopPath = %q", cfg.Library.InfiniopPath)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "opcheck.yaml")

	content := `
log_level: error
run:
  devices: [cpu, ascend]
  device_id: 1
profile:
  warmups: 2
fixture:
  dir: /tmp/fixtures
  tolerances:
    f16:
      atol: 0.01
      rtol: 0.02
    rms_norm/f32:
      atol: 0.001
`

	if err := os.WriteFile(cfgFile, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	defaults := DefaultConfig()

	// An explicit flag still wins over the file.
	cfg, err := Load(LoadOptions{
		Cmd:        parsedBinder(t, defaults, "--warmups=7"),
		ConfigFile: cfgFile,
		Defaults:   defaults,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "error")
	}

	if strings.Join(cfg.Run.Devices, ",") != "cpu,ascend" || cfg.Run.DeviceID != 1 {
		t.Errorf("Run = %+v", cfg.Run)
	}

	if cfg.Profile.Warmups != 7 {
		t.Errorf("Profile.Warmups = %d; want 7 from the flag", cfg.Profile.Warmups)
	}

	if cfg.Fixture.Dir != "/tmp/fixtures" {
		t.Errorf("Fixture.Dir = %q", cfg.Fixture.Dir)
	}

	p, err := cfg.Policy()
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}

	tol, err := p.Lookup(testcase.OpSwiGLU, tensor.F64)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	if tol.Abs != 1e-10 {
		t.Errorf("f64 tolerance = %v; want the default", tol)
	}

	// An operator/dtype key replaces the built-in operator entry.
	tol, _ = p.Lookup(testcase.OpRMSNorm, tensor.F32)
	if tol.Abs != 0.001 || tol.Rel != 0 {
		t.Errorf("rms_norm/f32 tolerance = %v; want atol=0.001 rtol=0", tol)
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "bad.yaml")

	if err := os.WriteFile(cfgFile, []byte(":\t:bad yaml:::"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(LoadOptions{ConfigFile: cfgFile, Defaults: DefaultConfig()}); err == nil {
		t.Error("Load() = nil; want error for invalid config file")
	}
}

func TestLoad_MissingExplicitConfigFile(t *testing.T) {
	_, err := Load(LoadOptions{
		ConfigFile: "/nonexistent/path/opcheck.yaml",
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Error("Load() = nil; want error for missing explicit config file")
	}
}

// --- Validate ---

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown device", func(c *Config) { c.Run.Devices = []string{"tpu"} }, "unknown device"},
		{"no device", func(c *Config) { c.Run.Devices = nil }, "at least one device"},
		{"unknown op", func(c *Config) { c.Run.Ops = []string{"conv"} }, "unknown operator"},
		{"unknown dtype", func(c *Config) { c.Run.DTypes = []string{"f128"} }, "run.dtypes"},
		{"integer dtype", func(c *Config) { c.Run.DTypes = []string{"i32"} }, "not a floating-point"},
		{"negative warmups", func(c *Config) { c.Profile.Warmups = -1 }, "profile.warmups"},
		{"zero iterations while profiling", func(c *Config) { c.Profile.Enabled, c.Profile.Iterations = true, 0 }, "profile.iterations"},
		{"negative tolerance", func(c *Config) {
			c.Fixture.Tolerances = map[string]ToleranceConfig{"f16": {Abs: -1}}
		}, "must be >= 0"},
		{"tolerance for unknown op", func(c *Config) {
			c.Fixture.Tolerances = map[string]ToleranceConfig{"conv/f16": {Abs: 1}}
		}, "unknown operator"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "unknown log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v; want nil", err)
				}

				return
			}

			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v; want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSelections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Run.Devices = []string{"cpu", "Nvidia"}
	cfg.Run.DTypes = []string{"f16", "float32"}

	devices, err := cfg.Devices()
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}

	if len(devices) != 2 || devices[1] != oplib.DeviceNvidia {
		t.Errorf("Devices() = %v", devices)
	}

	dtypes, err := cfg.DTypes()
	if err != nil {
		t.Fatalf("DTypes: %v", err)
	}

	if len(dtypes) != 2 || dtypes[0] != tensor.F16 || dtypes[1] != tensor.F32 {
		t.Errorf("DTypes() = %v", dtypes)
	}

	if got := cfg.Ops(); len(got) != len(testcase.Operators()) {
		t.Errorf("Ops() = %v; want every operator", got)
	}

	cfg.Run.DTypes = nil
	if dtypes, _ := cfg.DTypes(); dtypes != nil {
		t.Errorf("DTypes() with none selected = %v; want nil", dtypes)
	}
}

// --- ParseLogLevel ---

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		lvl, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Fatalf("ParseLogLevel(%q) error: %v", tt.in, err)
		}

		if lvl != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, lvl, tt.want)
		}
	}

	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("want error for unknown log level")
	}
}
