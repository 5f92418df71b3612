// Package pgtest gates integration tests on a live Postgres instance,
// the same way the teacher's pgtest package gates on TEST_DATABASE.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/topiq/topiq/pkg/store"
)

// ConnStringEnv is the environment variable naming a live Postgres
// connection string for integration tests. Tests skip when unset.
const ConnStringEnv = "TOPIQ_TEST_DATABASE"

// ConnString returns the configured test connection string, skipping
// the calling test if it is not set.
func ConnString(t testing.TB) string {
	t.Helper()
	cs := os.Getenv(ConnStringEnv)
	if cs == "" {
		t.Skipf("%s not set, skipping integration test", ConnStringEnv)
	}
	return cs
}

// OpenStore opens a Postgres-backed store.Store for the duration of
// the test and registers cleanup.
func OpenStore(t testing.TB) *store.Postgres {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := store.Open(ctx, store.Config{ConnString: ConnString(t)}, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}
