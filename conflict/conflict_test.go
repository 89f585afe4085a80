package conflict

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"testing"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	directions []Direction
	infos      []Info
}

func (r *recorder) ReportConflict(direction Direction, info Info) {
	r.directions = append(r.directions, direction)
	r.infos = append(r.infos, info)
}

func TestClassify(t *testing.T) {
	info := Classify(fmt.Errorf("failed to push: %w", &PushError{SoilDataErrors: 2, MetadataErrors: 1}))
	require.Equal(t, Push{SoilDataErrors: 2, MetadataErrors: 1}, info)

	info = Classify(&MissingDataError{EntityType: "site", IDs: []string{"1"}})
	require.Equal(t, MissingData{EntityType: "site"}, info)

	cause := errors.New("connection reset")
	info = Classify(cause)
	require.Equal(t, Other{Err: cause}, info)
	require.Equal(t, "other", info.Kind())
}

func TestReportForwardsOnce(t *testing.T) {
	first, second := &recorder{}, &recorder{}
	classifier := NewClassifier(first, second)

	infos := classifier.Report(DirectionPush, &PushError{MetadataErrors: 3})
	require.Equal(t, []Info{Push{MetadataErrors: 3}}, infos)
	for _, r := range []*recorder{first, second} {
		require.Equal(t, []Direction{DirectionPush}, r.directions)
		require.Equal(t, []Info{Push{MetadataErrors: 3}}, r.infos)
	}

	require.Nil(t, classifier.Report(DirectionPull, nil))
	require.Len(t, first.infos, 1)
}

func TestReportSplitsJoinedErrors(t *testing.T) {
	r := &recorder{}
	infos := NewClassifier(r).Report(DirectionPush, errors.Join(
		&PushError{SoilDataErrors: 1},
		&MissingDataError{EntityType: "soilData", IDs: []string{"2"}},
	))

	want := []Info{Push{SoilDataErrors: 1}, MissingData{EntityType: "soilData"}}
	require.Equal(t, want, infos)
	require.Equal(t, want, r.infos)
	require.Equal(t, []Direction{DirectionPush, DirectionPush}, r.directions)
}

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	reporter := NewLogReporter(log.New(&buf, "", 0))
	reporter.ReportConflict(DirectionPull, MissingData{EntityType: "site"})
	require.Equal(t, "pull conflict: missing site\n", buf.String())
}
