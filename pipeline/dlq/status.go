package dlq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrSourceRequired     = errors.New("dlq count source is required")
	ErrSourceNameRequired = errors.New("dlq count source name is required")
	ErrMonitorRunning     = errors.New("dlq monitor is already running")
)

// TopicCount is the failed-message count of one topic.
type TopicCount struct {
	TopicName   string `json:"topicName"`
	FailedCount int64  `json:"failedCount"`
	TableSource string `json:"tableSource"`
}

// Status is one DLQ sample.
type Status struct {
	CheckedAt time.Time    `json:"checkedAt"`
	Topics    []TopicCount `json:"topics"`
}

// TotalFailed sums the failed counts of every topic.
func (s Status) TotalFailed() int64 {
	var total int64
	for _, t := range s.Topics {
		total += t.FailedCount
	}

	return total
}

// CountSource reports failed counts keyed by topic.
type CountSource interface {
	Source() string
	CountFailed(ctx context.Context) (map[string]int64, error)
}

// CountFunc adapts a counting function to CountSource.
type CountFunc func(ctx context.Context) (map[string]int64, error)

type funcSource struct {
	name string
	fn   CountFunc
}

func (s funcSource) Source() string { return s.name }

func (s funcSource) CountFailed(ctx context.Context) (map[string]int64, error) {
	return s.fn(ctx)
}

// NewSource names fn as a CountSource.
func NewSource(name string, fn CountFunc) (CountSource, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrSourceNameRequired
	}

	if fn == nil {
		return nil, ErrSourceRequired
	}

	return funcSource{name: name, fn: fn}, nil
}

// Sample queries every source once. Any source error fails the sample.
func Sample(ctx context.Context, now time.Time, sources ...CountSource) (Status, error) {
	status := Status{CheckedAt: now.UTC(), Topics: []TopicCount{}}

	for _, src := range sources {
		counts, err := src.CountFailed(ctx)
		if err != nil {
			return Status{}, fmt.Errorf("count %s: %w", src.Source(), err)
		}

		for topic, n := range counts {
			status.Topics = append(status.Topics, TopicCount{TopicName: topic, FailedCount: n, TableSource: src.Source()})
		}
	}

	sort.Slice(status.Topics, func(i, j int) bool {
		a, b := status.Topics[i], status.Topics[j]
		if a.FailedCount != b.FailedCount {
			return a.FailedCount > b.FailedCount
		}

		if a.TableSource != b.TableSource {
			return a.TableSource < b.TableSource
		}

		return a.TopicName < b.TopicName
	})

	return status, nil
}
