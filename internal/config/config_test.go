package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadMissingFileIsDefault(t *testing.T) {
	t.Setenv(ScriptEnvVar, "")
	t.Setenv(InterpreterEnvVar, "")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad(t *testing.T) {
	t.Setenv(ScriptEnvVar, "")
	t.Setenv(InterpreterEnvVar, "")
	path := filepath.Join(t.TempDir(), "driverlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
interpreter: /usr/bin/ruby2
script: /srv/listener.rb
env: [A=1]
watch_script: true
timeouts:
  hello: 2s
  online: 1m30s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/ruby2", cfg.Interpreter)
	assert.Equal(t, "/srv/listener.rb", cfg.Script)
	assert.Equal(t, []string{"A=1"}, cfg.Env)
	assert.True(t, cfg.WatchScript)
	assert.Equal(t, Duration(2*time.Second), cfg.Timeouts.Hello)
	assert.Equal(t, Duration(90*time.Second), cfg.Timeouts.Online)
	// unset values keep their defaults
	assert.Equal(t, Default().Timeouts.Connect, cfg.Timeouts.Connect)
	assert.Equal(t, Default().ListenAddr, cfg.ListenAddr)

	d, err := cfg.Driver()
	require.NoError(t, err)
	assert.Equal(t, "/srv/listener.rb", d.Supervisor.Script)
	assert.Equal(t, 2*time.Second, d.HelloTimeout)
	assert.Equal(t, 90*time.Second, d.OnlineTimeout)
	assert.Equal(t, []string{"A=1"}, d.Supervisor.Env)
	assert.Equal(t, []string{"RUBYOPT=rubygems"}, d.Supervisor.RequiredEnv)
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		name   string
		data   string
		expErr string
	}{
		{name: "bad duration", data: "timeouts:\n  hello: soon\n", expErr: "invalid duration"},
		{name: "bad yaml", data: "interpreter: [", expErr: "parsing"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "driverlink.yaml")
			require.NoError(t, os.WriteFile(path, []byte(c.data), 0o644))
			_, err := Load(path)
			require.ErrorContains(t, err, c.expErr)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driverlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("script: /from/file.rb\n"), 0o644))
	t.Setenv(ScriptEnvVar, "/from/env.rb")
	t.Setenv(InterpreterEnvVar, "jruby")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env.rb", cfg.Script)
	assert.Equal(t, "jruby", cfg.Interpreter)
}

func TestResolveScriptFallsBackToDefaultDir(t *testing.T) {
	cfg := Default()
	p, err := cfg.ResolveScript()
	require.NoError(t, err)
	assert.Equal(t, ScriptName, filepath.Base(p))
}

func TestDefaultScriptDir(t *testing.T) {
	assert.Equal(t, `C:\tdriver\visualizer\`, DefaultScriptDir("windows"))
	assert.Equal(t, "/opt/tdriver/visualizer/", DefaultScriptDir("linux"))
}

func TestDurationRoundTrip(t *testing.T) {
	b, err := yaml.Marshal(Timeouts{Hello: Duration(1500 * time.Millisecond)})
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello: 1.5s")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Interpreter = ""
	cfg.Env = []string{"NOEQUALS"}
	err := cfg.Validate()
	require.ErrorContains(t, err, "interpreter is empty")
	require.ErrorContains(t, err, `"NOEQUALS"`)
}
