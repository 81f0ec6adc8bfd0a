package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "ph_test_token_0123456789"

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// unsetEnv removes name for the duration of the test.
func unsetEnv(t *testing.T, name string) {
	t.Helper()
	t.Setenv(name, "")
	require.NoError(t, os.Unsetenv(name))
}

func load(t *testing.T, opts LoadOptions) (Config, error) {
	t.Helper()
	loader, err := NewLoader(opts)
	require.NoError(t, err)
	return loader.Config()
}

func TestDefaultsWithTokenFromEnvironment(t *testing.T) {
	t.Setenv("PRODUCTHUNT_TOKEN", testToken)

	cfg, err := load(t, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, Production, cfg.Environment)
	assert.Equal(t, testToken, cfg.Token)
	assert.Equal(t, "https://api.producthunt.com/v2/api/graphql", cfg.Endpoint)
	assert.Equal(t, filepath.Join("data", "producthunt.db"), cfg.Database)
	assert.Equal(t, 3, cfg.MaxConcurrency)
	assert.Equal(t, 50, cfg.PageSize)
	assert.Equal(t, 5*time.Minute, cfg.SafetyMargin)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.NoError(t, cfg.RequireToken())
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("PRODUCTHUNT_TOKEN", testToken)
	t.Setenv("PRODUCTHUNT_PAGE_SIZE", "30")
	t.Setenv("PRODUCTHUNT_BATCH_SIZE", "250")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse([]string{"--page-size=20", "--safety-margin=10m", "--database=memory://"}))

	cfg, err := load(t, LoadOptions{Flags: flags})
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.PageSize)
	assert.Equal(t, 250, cfg.BatchSize)
	assert.Equal(t, 10*time.Minute, cfg.SafetyMargin)
	assert.Equal(t, "memory://", cfg.Database)
}

func TestConfigFileValues(t *testing.T) {
	t.Setenv("PRODUCTHUNT_TOKEN", testToken)
	path := writeFile(t, "producthuntdb.yaml", "page_size: 80\nschedule: \"@every 30m\"\nlog:\n  level: warn\n")

	loader, err := NewLoader(LoadOptions{ConfigFile: path})
	require.NoError(t, err)
	assert.Equal(t, path, loader.ConfigFile())
	cfg, err := loader.Config()
	require.NoError(t, err)
	assert.Equal(t, 80, cfg.PageSize)
	assert.Equal(t, "@every 30m", cfg.Schedule)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestMissingExplicitConfigFileFails(t *testing.T) {
	_, err := NewLoader(LoadOptions{ConfigFile: filepath.Join(t.TempDir(), "absent.yaml")})
	require.Error(t, err)
}

func TestEnvFileDoesNotOverrideEnvironment(t *testing.T) {
	unsetEnv(t, "PRODUCTHUNT_SCHEDULE")
	t.Setenv("PRODUCTHUNT_TOKEN", testToken)
	path := writeFile(t, "test.env", "PRODUCTHUNT_SCHEDULE=@daily\nPRODUCTHUNT_TOKEN=from_dotenv_file_000\n")

	cfg, err := load(t, LoadOptions{EnvFiles: []string{path}})
	require.NoError(t, err)
	assert.Equal(t, "@daily", cfg.Schedule)
	assert.Equal(t, testToken, cfg.Token)
}

func TestValidationReportsEveryProblem(t *testing.T) {
	t.Setenv("PRODUCTHUNT_TOKEN", "short")
	t.Setenv("PRODUCTHUNT_PAGE_SIZE", "500")
	t.Setenv("PRODUCTHUNT_SAFETY_MARGIN", "2h")

	_, err := load(t, LoadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token must be at least 10 characters")
	assert.Contains(t, err.Error(), "page_size must be at most 100")
	assert.Contains(t, err.Error(), "safety_margin must be at most 1h")
}

func TestUnknownEnvironmentRejected(t *testing.T) {
	t.Setenv("PRODUCTHUNT_TOKEN", testToken)
	t.Setenv("PRODUCTHUNT_ENVIRONMENT", "qa")

	_, err := load(t, LoadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "environment must be one of")
}

func TestNonHTTPEndpointRejected(t *testing.T) {
	t.Setenv("PRODUCTHUNT_TOKEN", testToken)
	t.Setenv("PRODUCTHUNT_ENDPOINT", "ftp://api.producthunt.com/graphql")

	_, err := load(t, LoadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
}

func TestEnvironmentProfiles(t *testing.T) {
	t.Setenv("PRODUCTHUNT_TOKEN", testToken)
	t.Setenv("PRODUCTHUNT_MAX_CONCURRENCY", "8")
	t.Setenv("PRODUCTHUNT_LOG_LEVEL", "debug")

	cases := []struct {
		env         Environment
		concurrency int
		level       string
		json        bool
		database    string
	}{
		{Production, 5, "info", true, filepath.Join("data", "producthunt.db")},
		{Development, 1, "debug", false, filepath.Join("data", "producthunt.db")},
		{Testing, 1, "error", false, "memory://"},
		{Staging, 3, "info", true, filepath.Join("data", "producthunt.db")},
	}
	for _, tc := range cases {
		t.Run(string(tc.env), func(t *testing.T) {
			t.Setenv("PRODUCTHUNT_ENVIRONMENT", string(tc.env))
			cfg, err := load(t, LoadOptions{})
			require.NoError(t, err)
			assert.Equal(t, tc.concurrency, cfg.MaxConcurrency)
			assert.Equal(t, tc.level, cfg.Log.Level)
			assert.Equal(t, tc.json, cfg.Log.JSON)
			assert.Equal(t, tc.database, cfg.Database)
		})
	}
}

func TestRequireToken(t *testing.T) {
	unsetEnv(t, "PRODUCTHUNT_TOKEN")
	cfg, err := load(t, LoadOptions{})
	require.NoError(t, err)
	assert.Error(t, cfg.RequireToken())
}

func TestRedactToken(t *testing.T) {
	assert.Equal(t, "none", RedactToken(""))
	assert.Equal(t, "***", RedactToken("abcdefghijkl"))
	assert.Equal(t, "abcdefgh...wxyz", RedactToken("abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "ph_test_...6789", Config{Token: testToken}.RedactedToken())
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://harvest:xxxxx@db:5432/ph", redactDSN("postgres://harvest:secret@db:5432/ph"))
	assert.Equal(t, "data/producthunt.db", redactDSN("data/producthunt.db"))
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(Log{Level: "warn", JSON: true})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))
	assert.True(t, logger.Core().Enabled(1))

	_, err = NewLogger(Log{Level: "loud"})
	assert.Error(t, err)
}

func TestWatchReloadsConfigFile(t *testing.T) {
	t.Setenv("PRODUCTHUNT_TOKEN", testToken)
	path := writeFile(t, "producthuntdb.yaml", "page_size: 40\n")

	loader, err := NewLoader(LoadOptions{ConfigFile: path})
	require.NoError(t, err)
	reloaded := make(chan Config, 8)
	loader.Watch(func(cfg Config, err error) {
		if err == nil {
			reloaded <- cfg
		}
	})

	require.NoError(t, os.WriteFile(path, []byte("page_size: 70\n"), 0o600))
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			if cfg.PageSize == 70 {
				return
			}
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}
}
