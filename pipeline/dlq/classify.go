package dlq

import (
	"fmt"
	"strings"
	"time"
)

const (
	CriticalThreshold int64 = 100
	WarningThreshold  int64 = 50

	DefaultInterval = 15 * time.Minute
)

// Health is the readiness-facing classification.
type Health string

const (
	Healthy   Health = "Healthy"
	Degraded  Health = "Degraded"
	Unhealthy Health = "Unhealthy"
)

// Severity grades a classification for alerting.
type Severity string

const (
	SeverityNone     Severity = "None"
	SeverityWarning  Severity = "Warning"
	SeverityCritical Severity = "Critical"
)

// ReportData carries the figures behind a Report.
type ReportData struct {
	LastCheckedAt    *time.Time   `json:"lastCheckedAt,omitempty"`
	TotalFailed      int64        `json:"totalFailed"`
	Topics           []TopicCount `json:"topics"`
	TriggeringTopics []TopicCount `json:"triggeringTopics,omitempty"`
	StalenessMinutes float64      `json:"stalenessMinutes"`
	Stale            bool         `json:"stale"`
}

// Report is the result of classifying a Status.
type Report struct {
	Health   Health     `json:"status"`
	Severity Severity   `json:"severity"`
	Reason   string     `json:"reason"`
	Data     ReportData `json:"data"`
}

// Classify grades status at now. Any topic at CriticalThreshold is Critical.
// Otherwise a topic at WarningThreshold, or a sample older than twice
// interval, is a Warning. A zero CheckedAt counts as stale.
func Classify(status Status, now time.Time, interval time.Duration) Report {
	if interval <= 0 {
		interval = DefaultInterval
	}

	data := ReportData{TotalFailed: status.TotalFailed(), Topics: status.Topics}
	if data.Topics == nil {
		data.Topics = []TopicCount{}
	}

	if !status.CheckedAt.IsZero() {
		checked := status.CheckedAt
		data.LastCheckedAt = &checked
		data.StalenessMinutes = now.Sub(checked).Minutes()
	}

	data.Stale = status.CheckedAt.IsZero() || now.Sub(status.CheckedAt) > 2*interval

	critical := over(status.Topics, CriticalThreshold)
	if len(critical) > 0 {
		data.TriggeringTopics = critical

		return Report{
			Health:   Unhealthy,
			Severity: SeverityCritical,
			Reason:   "dead-letter backlog critical: " + describe(critical),
			Data:     data,
		}
	}

	warning := over(status.Topics, WarningThreshold)

	var reasons []string

	if len(warning) > 0 {
		data.TriggeringTopics = warning
		reasons = append(reasons, "dead-letter backlog elevated: "+describe(warning))
	}

	if data.Stale {
		if status.CheckedAt.IsZero() {
			reasons = append(reasons, "no dead-letter sample yet")
		} else {
			reasons = append(reasons, fmt.Sprintf("last dead-letter sample is %.0f minutes old", data.StalenessMinutes))
		}
	}

	if len(reasons) > 0 {
		return Report{Health: Degraded, Severity: SeverityWarning, Reason: strings.Join(reasons, "; "), Data: data}
	}

	return Report{Health: Healthy, Severity: SeverityNone, Reason: "dead-letter backlog within limits", Data: data}
}

// Disabled is the report served when monitoring is turned off.
func Disabled() Report {
	return Report{
		Health:   Healthy,
		Severity: SeverityNone,
		Reason:   "monitoring disabled",
		Data:     ReportData{Topics: []TopicCount{}},
	}
}

func over(topics []TopicCount, threshold int64) []TopicCount {
	var out []TopicCount

	for _, t := range topics {
		if t.FailedCount >= threshold {
			out = append(out, t)
		}
	}

	return out
}

func describe(topics []TopicCount) string {
	parts := make([]string, 0, len(topics))
	for _, t := range topics {
		parts = append(parts, fmt.Sprintf("%s=%d", t.TopicName, t.FailedCount))
	}

	return strings.Join(parts, ", ")
}
