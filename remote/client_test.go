package remote

import (
	"testing"

	"github.com/breez/field-sync/revision"
	"github.com/stretchr/testify/require"
)

func TestCheckBase(t *testing.T) {
	require.NoError(t, CheckBase(revision.None, false, revision.None))
	require.NoError(t, CheckBase(revision.Of(2), true, revision.None), "a deleted entity may be recreated")
	require.NoError(t, CheckBase(revision.Of(2), false, revision.Of(2)))
	require.ErrorIs(t, CheckBase(revision.Of(2), false, revision.None), ErrSetConflict)
	require.ErrorIs(t, CheckBase(revision.Of(2), false, revision.Of(1)), ErrSetConflict)
	require.ErrorIs(t, CheckBase(revision.None, false, revision.Of(1)), ErrNotFound)
	require.ErrorIs(t, CheckBase(revision.Of(2), true, revision.Of(2)), ErrNotFound)
}
