//go:build !integration

package testutil

import "testing"

func startPostgres(t *testing.T) (string, func()) {
	t.Helper()
	t.Skip("POSTGRES_URL not set, skipping integration test")
	return "", func() {}
}
