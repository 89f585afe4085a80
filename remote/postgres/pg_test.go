package postgres

import (
	"os"
	"testing"

	"github.com/breez/field-sync/remote"
	"github.com/stretchr/testify/require"
)

func TestPgClient(t *testing.T) {
	databaseURL := os.Getenv("TEST_PG_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_PG_DATABASE_URL is not set")
	}
	client, err := NewPgClient(databaseURL)
	require.NoError(t, err, "failed to connect")
	defer client.Close()

	(&remote.ClientTest{}).Run(t, client)
}
