package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/example/go-opcheck/internal/oplib"
	"github.com/example/go-opcheck/internal/runtime/ops"
	"github.com/example/go-opcheck/internal/runtime/tensor"
	"github.com/example/go-opcheck/internal/testcase"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Library  LibraryConfig `mapstructure:"library"`
	Run      RunConfig     `mapstructure:"run"`
	Profile  ProfileConfig `mapstructure:"profile"`
	Fixture  FixtureConfig `mapstructure:"fixture"`
	Report   ReportConfig  `mapstructure:"report"`
	LogLevel string        `mapstructure:"log_level"`
}

type LibraryConfig struct {
	InfiniopPath string `mapstructure:"infiniop_path"`
	InfinirtPath string `mapstructure:"infinirt_path"`
}

type RunConfig struct {
	Devices  []string `mapstructure:"devices"`
	DeviceID int      `mapstructure:"device_id"`
	Ops      []string `mapstructure:"ops"`
	DTypes   []string `mapstructure:"dtypes"`
	Seed     uint64   `mapstructure:"seed"`
	Debug    bool     `mapstructure:"debug"`
}

type ProfileConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	Warmups    int  `mapstructure:"warmups"`
	Iterations int  `mapstructure:"iterations"`
}

// FixtureConfig locates generated fixtures. Tolerances override comparison
// tolerances keyed by dtype ("f16") or by operator and dtype
// ("rms_norm/f16").
type FixtureConfig struct {
	Dir        string                     `mapstructure:"dir"`
	Tolerances map[string]ToleranceConfig `mapstructure:"tolerances"`
}

type ToleranceConfig struct {
	Abs float64 `mapstructure:"atol"`
	Rel float64 `mapstructure:"rtol"`
}

type ReportConfig struct {
	JSONPath    string `mapstructure:"json_path"`
	ArrowPath   string `mapstructure:"arrow_path"`
	MetricsPath string `mapstructure:"metrics_path"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Run: RunConfig{
			Devices: []string{"cpu"},
			Seed:    0,
		},
		Profile: ProfileConfig{
			Warmups:    10,
			Iterations: 1000,
		},
		Fixture: FixtureConfig{
			Dir: "fixtures",
		},
		LogLevel: "info",
	}
}

// flags maps each command-line flag to its configuration key.
var flags = []struct{ name, key string }{
	{"library-infiniop-path", "library.infiniop_path"},
	{"library-infinirt-path", "library.infinirt_path"},
	{"device", "run.devices"},
	{"device-id", "run.device_id"},
	{"op", "run.ops"},
	{"dtype", "run.dtypes"},
	{"seed", "run.seed"},
	{"debug", "run.debug"},
	{"profile", "profile.enabled"},
	{"warmups", "profile.warmups"},
	{"iterations", "profile.iterations"},
	{"fixture-dir", "fixture.dir"},
	{"report-json", "report.json_path"},
	{"report-arrow", "report.arrow_path"},
	{"metrics-file", "report.metrics_path"},
	{"log-level", "log_level"},
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("library-infiniop-path", defaults.Library.InfiniopPath, "Path to the infiniop shared library (auto-detected when empty)")
	fs.String("library-infinirt-path", defaults.Library.InfinirtPath, "Path to the infinirt shared library when it is not linked into infiniop")
	fs.StringSlice("device", defaults.Run.Devices, "Device to test on (repeatable): "+strings.Join(deviceNames(), "|"))
	fs.Int("device-id", defaults.Run.DeviceID, "Device index")
	fs.StringSlice("op", defaults.Run.Ops, "Operator to test (repeatable; default all)")
	fs.StringSlice("dtype", defaults.Run.DTypes, "Data type to test (repeatable; default per operator)")
	fs.Uint64("seed", defaults.Run.Seed, "Seed for generated stimuli")
	fs.Bool("debug", defaults.Run.Debug, "Log every case at debug level")
	fs.Bool("profile", defaults.Profile.Enabled, "Time native execution against the reference oracle")
	fs.Int("warmups", defaults.Profile.Warmups, "Untimed iterations before profiling")
	fs.Int("iterations", defaults.Profile.Iterations, "Timed iterations when profiling")
	fs.String("fixture-dir", defaults.Fixture.Dir, "Directory for generated fixture files")
	fs.String("report-json", defaults.Report.JSONPath, "Write a JSON run report to this path")
	fs.String("report-arrow", defaults.Report.ArrowPath, "Write an Arrow IPC run report to this path")
	fs.String("metrics-file", defaults.Report.MetricsPath, "Write Prometheus metrics in textfile format to this path")
	fs.String("log-level", defaults.LogLevel, "Log level: debug|info|warn|error")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)

	if opts.Cmd != nil {
		fs := opts.Cmd.Flags()
		for _, f := range flags {
			pf := fs.Lookup(f.name)
			if pf == nil {
				continue
			}

			if err := v.BindPFlag(f.key, pf); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", f.name, err)
			}
		}
	}

	v.SetEnvPrefix("OPCHECK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	if err := v.BindEnv("library.infiniop_path", "OPCHECK_LIBRARY_INFINIOP_PATH", "INFINIOP_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind library env vars: %w", err)
	}

	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("opcheck")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("library.infiniop_path", c.Library.InfiniopPath)
	v.SetDefault("library.infinirt_path", c.Library.InfinirtPath)
	v.SetDefault("run.devices", c.Run.Devices)
	v.SetDefault("run.device_id", c.Run.DeviceID)
	v.SetDefault("run.ops", c.Run.Ops)
	v.SetDefault("run.dtypes", c.Run.DTypes)
	v.SetDefault("run.seed", c.Run.Seed)
	v.SetDefault("run.debug", c.Run.Debug)
	v.SetDefault("profile.enabled", c.Profile.Enabled)
	v.SetDefault("profile.warmups", c.Profile.Warmups)
	v.SetDefault("profile.iterations", c.Profile.Iterations)
	v.SetDefault("fixture.dir", c.Fixture.Dir)
	v.SetDefault("report.json_path", c.Report.JSONPath)
	v.SetDefault("report.arrow_path", c.Report.ArrowPath)
	v.SetDefault("report.metrics_path", c.Report.MetricsPath)
	v.SetDefault("log_level", c.LogLevel)
}

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Validate rejects names and numbers the run cannot use.
func (c Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if len(c.Run.Devices) == 0 {
		errs = append(errs, errors.New("run.devices: at least one device is required"))
	}

	if _, err := c.Devices(); err != nil {
		errs = append(errs, err)
	}

	if c.Run.DeviceID < 0 {
		errs = append(errs, fmt.Errorf("run.device_id: must be >= 0, got %d", c.Run.DeviceID))
	}

	known := testcase.Operators()
	for _, op := range c.Run.Ops {
		if !slices.Contains(known, op) {
			errs = append(errs, fmt.Errorf("run.ops: unknown operator %q (valid: %s)", op, strings.Join(known, ", ")))
		}
	}

	if _, err := c.DTypes(); err != nil {
		errs = append(errs, err)
	}

	if c.Profile.Warmups < 0 {
		errs = append(errs, fmt.Errorf("profile.warmups: must be >= 0, got %d", c.Profile.Warmups))
	}

	if c.Profile.Iterations < 0 || (c.Profile.Enabled && c.Profile.Iterations == 0) {
		errs = append(errs, fmt.Errorf("profile.iterations: must be > 0 when profiling, got %d", c.Profile.Iterations))
	}

	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Devices parses run.devices.
func (c Config) Devices() ([]oplib.Device, error) {
	out := make([]oplib.Device, 0, len(c.Run.Devices))

	for _, name := range c.Run.Devices {
		d, err := oplib.ParseDevice(name)
		if err != nil {
			return nil, fmt.Errorf("run.devices: %w", err)
		}

		out = append(out, d)
	}

	return out, nil
}

// Ops returns run.ops, or every known operator when none are selected.
func (c Config) Ops() []string {
	if len(c.Run.Ops) == 0 {
		return testcase.Operators()
	}

	return slices.Clone(c.Run.Ops)
}

// DTypes parses run.dtypes. Only floating-point dtypes are accepted; nil
// means each operator's defaults.
func (c Config) DTypes() ([]tensor.DType, error) {
	if len(c.Run.DTypes) == 0 {
		return nil, nil
	}

	out := make([]tensor.DType, 0, len(c.Run.DTypes))

	for _, name := range c.Run.DTypes {
		d, err := tensor.ParseDType(name)
		if err != nil {
			return nil, fmt.Errorf("run.dtypes: %w", err)
		}

		if !d.IsFloat() {
			return nil, fmt.Errorf("run.dtypes: %s is not a floating-point dtype", d)
		}

		out = append(out, d)
	}

	return out, nil
}

// Policy returns the default tolerance policy with fixture.tolerances
// applied.
func (c Config) Policy() (*ops.Policy, error) {
	p := ops.DefaultPolicy()

	for key, tol := range c.Fixture.Tolerances {
		if tol.Abs < 0 || tol.Rel < 0 {
			return nil, fmt.Errorf("fixture.tolerances.%s: tolerances must be >= 0, got atol=%g rtol=%g", key, tol.Abs, tol.Rel)
		}

		op, name, perOp := strings.Cut(key, "/")
		if !perOp {
			name = op
		}

		d, err := tensor.ParseDType(name)
		if err != nil {
			return nil, fmt.Errorf("fixture.tolerances.%s: %w", key, err)
		}

		t := ops.Tolerance{Abs: tol.Abs, Rel: tol.Rel}

		if !perOp {
			p.SetDType(d, t)
			continue
		}

		if !slices.Contains(testcase.Operators(), op) {
			return nil, fmt.Errorf("fixture.tolerances.%s: unknown operator %q", key, op)
		}

		p.SetOperator(op, d, t)
	}

	return p, nil
}

func deviceNames() []string {
	var names []string
	for d := oplib.DeviceCPU; d <= oplib.DeviceSugon; d++ {
		names = append(names, d.String())
	}

	return names
}
