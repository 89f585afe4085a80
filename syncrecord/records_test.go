package syncrecord

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type change struct {
	Fields []string
	Note   string
}

func TestAddOverwrites(t *testing.T) {
	records := Records[change]{}
	Add(records, "1", change{Fields: []string{"name"}, Note: "first"})
	Add(records, "1", change{Fields: []string{"depth"}})

	require.Len(t, records, 1)
	require.Equal(t, change{Fields: []string{"depth"}}, records["1"].ChangeData, "entry must be replaced, not merged")
}

func TestClearRemovesExactlyGivenIDs(t *testing.T) {
	records := Records[change]{}
	for _, id := range []string{"1", "2", "3", "4"} {
		Add(records, id, change{Note: id})
	}

	Clear(records, []string{"2", "4", "missing"})

	require.Equal(t, []string{"1", "3"}, IDs(records))
	require.Equal(t, "1", records["1"].ChangeData.Note)
	require.Equal(t, "3", records["3"].ChangeData.Note)
}

func TestIDsEmpty(t *testing.T) {
	require.Empty(t, IDs(Records[int]{}))
}
