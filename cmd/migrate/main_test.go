package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradecore/internal/infra/persistence/migrations"
)

func TestParseOptionsDefaultsToEmbeddedUp(t *testing.T) {
	opts, err := parseOptions([]string{"-database", "postgresql://localhost/db", "up"})
	require.NoError(t, err)
	require.Equal(t, "up", opts.command)
	require.Equal(t, migrations.Embedded, opts.dir)
	require.Equal(t, defaultTimeout, opts.timeout)
}

func TestParseOptionsDownSteps(t *testing.T) {
	opts, err := parseOptions([]string{"-database", "postgresql://localhost/db", "-path", "db/migrations", "down", "3"})
	require.NoError(t, err)
	require.Equal(t, "down", opts.command)
	require.Equal(t, 3, opts.steps)
	require.Equal(t, "db/migrations", opts.dir)
}

func TestParseOptionsErrors(t *testing.T) {
	t.Setenv("TRADECORE_DATABASE_DSN", "")

	cases := map[string][]string{
		"missing dsn":     {"up"},
		"missing command": {"-database", "postgresql://localhost/db"},
		"unknown command": {"-database", "postgresql://localhost/db", "sideways"},
		"bad steps":       {"-database", "postgresql://localhost/db", "down", "many"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseOptions(args)
			require.Error(t, err)
		})
	}
}

func TestParseOptionsReadsDSNFromEnvironment(t *testing.T) {
	t.Setenv("TRADECORE_DATABASE_DSN", "postgresql://env/db")
	opts, err := parseOptions([]string{"up"})
	require.NoError(t, err)
	require.Equal(t, "postgresql://env/db", opts.dsn)
}
