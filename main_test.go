package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/breez/field-sync/engine"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	statusJSON = false
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands(t *testing.T) {
	privateKey, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to create private key")
	t.Setenv("SYNC_DB_PATH", filepath.Join(t.TempDir(), "sync.db"))
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LOG_FILE", "")
	t.Setenv("ACCOUNT_KEY", hex.EncodeToString(privateKey.Serialize()))

	out, err := execute(t, "write", "site-1", "soilData", `{"depth":10}`)
	require.NoError(t, err, out)
	require.Contains(t, out, "site-1 at revision 1")

	_, err = execute(t, "write", "site-1", "photo", `{}`)
	require.ErrorIs(t, err, engine.ErrUnknownKind)

	out, err = execute(t, "status", "--json")
	require.NoError(t, err, out)
	var status engine.Status
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	require.Equal(t, []string{"site-1"}, status.Dirty)
	require.Equal(t, hex.EncodeToString(privateKey.PubKey().SerializeCompressed()), status.UserID)

	out, err = execute(t, "push")
	require.NoError(t, err, out)
	require.Contains(t, out, "pushed 1 records: site-1")

	out, err = execute(t, "status")
	require.NoError(t, err, out)
	require.Contains(t, out, status.UserID)
	require.Contains(t, out, "Last synced:")

	out, err = execute(t, "status", "--json")
	require.NoError(t, err, out)
	status = engine.Status{}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	require.Equal(t, 1, status.Records)
	require.Empty(t, status.Dirty)

	out, err = execute(t, "reset")
	require.NoError(t, err, out)

	out, err = execute(t, "status", "--json")
	require.NoError(t, err, out)
	status = engine.Status{}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	require.Zero(t, status.Records)
}

func TestPushRequiresAccountKey(t *testing.T) {
	t.Setenv("SYNC_DB_PATH", filepath.Join(t.TempDir(), "sync.db"))
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ACCOUNT_KEY", "")

	_, err := execute(t, "push")
	require.ErrorContains(t, err, "ACCOUNT_KEY")
}

func TestPrintStatusListsRejected(t *testing.T) {
	var out bytes.Buffer
	printStatus(&out, engine.Status{
		UserID:  "user",
		Records: 2,
		Dirty:   []string{"site-1", "site-2"},
		Rejected: map[string]engine.PushFailure{
			"site-2": {Reason: "record revision conflict", Revision: 4, At: time.Now()},
		},
	})

	require.Contains(t, out.String(), "site-2@4")
	require.Contains(t, out.String(), "record revision conflict")
	require.NotContains(t, out.String(), "site-1@")
}
