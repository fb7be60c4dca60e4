// Package config loads driverlink's settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/guseggert/driverlink/driver"
	"github.com/guseggert/driverlink/internal/files"
	"gopkg.in/yaml.v3"
)

const (
	// ScriptEnvVar overrides the worker script path.
	ScriptEnvVar      = "TDRIVER_VISUALIZER_LISTENER"
	InterpreterEnvVar = "DRIVERLINK_INTERPRETER"

	ScriptName = "tdriver_interface.rb"
)

// Duration is a time.Duration written as a Go duration string, like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type Timeouts struct {
	Ready     Duration `yaml:"ready"`
	Line      Duration `yaml:"line"`
	Connect   Duration `yaml:"connect"`
	Terminate Duration `yaml:"terminate"`
	Kill      Duration `yaml:"kill"`
	Online    Duration `yaml:"online"`
	Hello     Duration `yaml:"hello"`
	Command   Duration `yaml:"command"`
}

type Config struct {
	Interpreter string   `yaml:"interpreter"`
	Script      string   `yaml:"script"`
	Env         []string `yaml:"env"`

	ListenAddr  string `yaml:"listen_addr"`
	LogLevel    string `yaml:"log_level"`
	WatchScript bool   `yaml:"watch_script"`

	Timeouts Timeouts `yaml:"timeouts"`
}

func Default() Config {
	d := driver.DefaultConfig()
	return Config{
		Interpreter: d.Supervisor.Interpreter,
		ListenAddr:  "127.0.0.1:8417",
		LogLevel:    "info",
		Timeouts: Timeouts{
			Ready:     Duration(d.Supervisor.ReadyTimeout),
			Line:      Duration(d.Supervisor.LineTimeout),
			Connect:   Duration(d.Supervisor.ConnectTimeout),
			Terminate: Duration(d.Supervisor.TerminateTimeout),
			Kill:      Duration(d.Supervisor.KillTimeout),
			Online:    Duration(d.OnlineTimeout),
			Hello:     Duration(d.HelloTimeout),
			Command:   Duration(30 * time.Second),
		},
	}
}

// Load reads the file at path over the defaults and applies environment overrides.
// An empty path or a missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("reading config: %w", err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(ScriptEnvVar); ok && v != "" {
		c.Script = v
	}
	if v, ok := lookup(InterpreterEnvVar); ok && v != "" {
		c.Interpreter = v
	}
}

// DefaultScriptDir is where the worker script is installed when nothing else says otherwise.
func DefaultScriptDir(goos string) string {
	if goos == "windows" {
		return `C:\tdriver\visualizer\`
	}
	return "/opt/tdriver/visualizer/"
}

// ResolveScript finds the worker script: the configured path if set, else the nearest
// tdriver_interface.rb at or above the executable's directory, else the platform default.
func (c Config) ResolveScript() (string, error) {
	if c.Script != "" {
		return c.Script, nil
	}
	dir, err := files.ExecutableDir()
	if err != nil {
		return "", err
	}
	p, err := files.FindUp(ScriptName, dir)
	if err != nil {
		return "", fmt.Errorf("finding %s: %w", ScriptName, err)
	}
	if p != "" {
		return p, nil
	}
	return filepath.Join(DefaultScriptDir(runtime.GOOS), ScriptName), nil
}

// Driver converts the settings to a driver.Config.
func (c Config) Driver() (driver.Config, error) {
	script, err := c.ResolveScript()
	if err != nil {
		return driver.Config{}, err
	}
	d := driver.DefaultConfig()
	if c.Interpreter != "" {
		d.Supervisor.Interpreter = c.Interpreter
	}
	d.Supervisor.Script = script
	d.Supervisor.Env = append([]string(nil), c.Env...)

	t := c.Timeouts
	set := func(dst *time.Duration, v Duration) {
		if v > 0 {
			*dst = time.Duration(v)
		}
	}
	set(&d.Supervisor.ReadyTimeout, t.Ready)
	set(&d.Supervisor.LineTimeout, t.Line)
	set(&d.Supervisor.ConnectTimeout, t.Connect)
	set(&d.Supervisor.TerminateTimeout, t.Terminate)
	set(&d.Supervisor.KillTimeout, t.Kill)
	set(&d.OnlineTimeout, t.Online)
	set(&d.HelloTimeout, t.Hello)
	return d, nil
}

// Validate reports settings that can't work.
func (c Config) Validate() error {
	var errs []string
	if c.Interpreter == "" {
		errs = append(errs, "interpreter is empty")
	}
	for _, kv := range c.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Sprintf("env entry %q is not KEY=VALUE", kv))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
