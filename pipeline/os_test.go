//go:build unit

package pipeline

import (
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetenvOrDefault(t *testing.T) {
	t.Setenv("PIPELINE_TEST_STR", "value")
	t.Setenv("PIPELINE_TEST_BLANK", "   ")

	assert.Equal(t, "value", GetenvOrDefault("PIPELINE_TEST_STR", "default"))
	assert.Equal(t, "default", GetenvOrDefault("PIPELINE_TEST_BLANK", "default"))
}

func TestGetenvBoolAndInt(t *testing.T) {
	t.Setenv("PIPELINE_TEST_BOOL", "true")
	t.Setenv("PIPELINE_TEST_INT", "-7")
	t.Setenv("PIPELINE_TEST_BAD", "nope")

	assert.True(t, GetenvBoolOrDefault("PIPELINE_TEST_BOOL", false))
	assert.True(t, GetenvBoolOrDefault("PIPELINE_TEST_BAD", true))
	assert.Equal(t, int64(-7), GetenvIntOrDefault("PIPELINE_TEST_INT", 0))
	assert.Equal(t, int64(99), GetenvIntOrDefault("PIPELINE_TEST_BAD", 99))
}

func TestSetConfigFromEnvVars(t *testing.T) {
	type nested struct {
		Queue string `env:"PIPELINE_TEST_QUEUE"`
	}

	type config struct {
		Name     string        `env:"PIPELINE_TEST_NAME"`
		Enabled  bool          `env:"PIPELINE_TEST_ENABLED"`
		Retries  int           `env:"PIPELINE_TEST_RETRIES"`
		Interval time.Duration `env:"PIPELINE_TEST_INTERVAL"`
		Hosts    []string      `env:"PIPELINE_TEST_HOSTS"`
		Missing  string        `env:"PIPELINE_TEST_MISSING_XYZ"`
		Nested   nested
	}

	t.Setenv("PIPELINE_TEST_NAME", "relay")
	t.Setenv("PIPELINE_TEST_ENABLED", "true")
	t.Setenv("PIPELINE_TEST_RETRIES", "5")
	t.Setenv("PIPELINE_TEST_INTERVAL", "15m")
	t.Setenv("PIPELINE_TEST_HOSTS", "a, b,,c")
	t.Setenv("PIPELINE_TEST_QUEUE", "signals-urgent")
	t.Setenv("PIPELINE_TEST_MISSING_XYZ", "")
	os.Unsetenv("PIPELINE_TEST_MISSING_XYZ")

	cfg := &config{Missing: "keep"}
	require.NoError(t, SetConfigFromEnvVars(cfg))

	assert.Equal(t, "relay", cfg.Name)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 5, cfg.Retries)
	assert.Equal(t, 15*time.Minute, cfg.Interval)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Hosts)
	assert.Equal(t, "keep", cfg.Missing)
	assert.Equal(t, "signals-urgent", cfg.Nested.Queue)
}

func TestSetConfigFromEnvVars_Errors(t *testing.T) {
	type config struct {
		Retries int `env:"PIPELINE_TEST_BAD_INT"`
	}

	require.ErrorIs(t, SetConfigFromEnvVars(config{}), ErrNotPointer)

	t.Setenv("PIPELINE_TEST_BAD_INT", "many")
	require.Error(t, SetConfigFromEnvVars(&config{}))
}

func TestValidateStruct(t *testing.T) {
	t.Parallel()

	type config struct {
		DSN     string `validate:"required"`
		Retries int    `validate:"gte=1"`
	}

	require.NoError(t, ValidateStruct(config{DSN: "postgres://", Retries: 3}))
	require.Error(t, ValidateStruct(config{Retries: 0}))
}

func TestInstanceID(t *testing.T) {
	id := InstanceID()

	assert.True(t, strings.HasSuffix(id, "-"+strconv.Itoa(os.Getpid())), id)
	assert.Equal(t, id, InstanceID())
}
