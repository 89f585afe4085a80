// Package syncrecord tracks which entities still need a push. The mapping is
// owned by application state; these helpers only mutate the map they are given.
package syncrecord

import "sort"

type Record[C any] struct {
	ChangeData C `json:"changeData"`
}

// Records maps entity ids to their pending change.
type Records[C any] map[string]Record[C]

// Add inserts the entry for id, replacing any existing entry wholesale.
func Add[C any](records Records[C], id string, changeData C) {
	records[id] = Record[C]{ChangeData: changeData}
}

// Clear deletes exactly the listed ids.
func Clear[C any](records Records[C], ids []string) {
	for _, id := range ids {
		delete(records, id)
	}
}

// IDs returns the ids in records in sorted order.
func IDs[C any](records Records[C]) []string {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
