// Package conflict maps sync failures into a bounded taxonomy and forwards
// them to reporting sinks. It never retries and never touches local state.
package conflict

import (
	"errors"
	"fmt"
	"log"
	"os"
)

// Direction of the sync cycle that failed.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

// PushError is returned when the remote rejected part of a push payload.
// Rejections are counted per record kind, not itemized per field.
type PushError struct {
	SoilDataErrors int
	MetadataErrors int
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push rejected: %d soil data errors, %d metadata errors", e.SoilDataErrors, e.MetadataErrors)
}

// MissingDataError is returned when the remote reports that entities no
// longer exist. Their local state is abandoned.
type MissingDataError struct {
	EntityType string
	IDs        []string
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("missing %s on remote: %v", e.EntityType, e.IDs)
}

// Info is one classified sync conflict: Push, MissingData or Other.
type Info interface {
	Kind() string
	isInfo()
}

type Push struct {
	SoilDataErrors int
	MetadataErrors int
}

type MissingData struct {
	EntityType string
}

type Other struct {
	Err error
}

func (Push) Kind() string        { return "push" }
func (MissingData) Kind() string { return "missing_data" }
func (Other) Kind() string       { return "other" }

func (Push) isInfo()        {}
func (MissingData) isInfo() {}
func (Other) isInfo()       {}

// Classify maps err into exactly one Info variant. err must not be nil.
func Classify(err error) Info {
	var pushErr *PushError
	if errors.As(err, &pushErr) {
		return Push{SoilDataErrors: pushErr.SoilDataErrors, MetadataErrors: pushErr.MetadataErrors}
	}
	var missingErr *MissingDataError
	if errors.As(err, &missingErr) {
		return MissingData{EntityType: missingErr.EntityType}
	}
	return Other{Err: err}
}

// Reporter is an external sink for classified conflicts.
type Reporter interface {
	ReportConflict(direction Direction, info Info)
}

// Classifier classifies failures and forwards each one once to every reporter.
type Classifier struct {
	reporters []Reporter
}

func NewClassifier(reporters ...Reporter) *Classifier {
	return &Classifier{reporters: reporters}
}

// Report classifies err and forwards it. Errors joined with errors.Join are
// classified and forwarded one by one. A nil err reports nothing.
func (c *Classifier) Report(direction Direction, err error) []Info {
	var infos []Info
	for _, member := range split(err) {
		info := Classify(member)
		for _, r := range c.reporters {
			r.ReportConflict(direction, info)
		}
		infos = append(infos, info)
	}
	return infos
}

func split(err error) []error {
	if err == nil {
		return nil
	}
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return []error{err}
	}
	var out []error
	for _, member := range joined.Unwrap() {
		out = append(out, split(member)...)
	}
	return out
}

// LogReporter writes classified conflicts to a logger.
type LogReporter struct {
	logger *log.Logger
}

func NewLogReporter(logger *log.Logger) *LogReporter {
	if logger == nil {
		logger = log.New(os.Stderr, "[conflict] ", log.LstdFlags)
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) ReportConflict(direction Direction, info Info) {
	switch i := info.(type) {
	case Push:
		r.logger.Printf("%s conflict: soilDataErrors=%d metadataErrors=%d", direction, i.SoilDataErrors, i.MetadataErrors)
	case MissingData:
		r.logger.Printf("%s conflict: missing %s", direction, i.EntityType)
	case Other:
		r.logger.Printf("%s failure: %v", direction, i.Err)
	}
}
