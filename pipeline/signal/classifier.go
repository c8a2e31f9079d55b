package signal

import (
	"fmt"
	"strings"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline/messagebus"
)

// AnyOperation matches every operation in a Rule.
const AnyOperation = "*"

// Rule derives one signal from changes to an entity type.
type Rule struct {
	EntityType string
	Operation  string
	EventType  string
	Priority   Priority
	Window     WindowType
}

func (r Rule) validate() error {
	switch {
	case strings.TrimSpace(r.EntityType) == "":
		return fmt.Errorf("%w: entity type is empty", ErrRuleInvalid)
	case strings.TrimSpace(r.EventType) == "":
		return fmt.Errorf("%w: event type is empty for %s", ErrRuleInvalid, r.EntityType)
	case !r.Priority.IsValid():
		return fmt.Errorf("%w: %w %q for %s", ErrRuleInvalid, ErrPriorityInvalid, r.Priority, r.EventType)
	}

	return nil
}

func (r Rule) matches(event messagebus.EntityChangedEvent) bool {
	if !strings.EqualFold(r.EntityType, event.EntityType) {
		return false
	}

	op := strings.TrimSpace(r.Operation)

	return op == "" || op == AnyOperation || strings.EqualFold(op, event.Operation)
}

// DefaultRules covers the productivity entities that feed recommendations.
func DefaultRules() []Rule {
	return []Rule{
		{EntityType: "CheckIn", Operation: "Created", EventType: "CheckInSubmitted", Priority: PriorityUrgent, Window: WindowNone},
		{EntityType: "Habit", Operation: "Created", EventType: "HabitStarted", Priority: PriorityWindow, Window: WindowMorning},
		{EntityType: "Habit", Operation: "Updated", EventType: "HabitChanged", Priority: PriorityBatch, Window: WindowNone},
		{EntityType: "Task", Operation: AnyOperation, EventType: "TaskChanged", Priority: PriorityBatch, Window: WindowNone},
		{EntityType: "Goal", Operation: "Created", EventType: "GoalSet", Priority: PriorityWindow, Window: WindowEvening},
		{EntityType: "Goal", Operation: "Updated", EventType: "GoalProgressed", Priority: PriorityWindow, Window: WindowWeekly},
		{EntityType: "Project", Operation: "Deleted", EventType: "ProjectRemoved", Priority: PriorityBatch, Window: WindowNone},
	}
}

// Schedule places delivery windows in time.
type Schedule struct {
	Location    *time.Location
	MorningHour int
	EveningHour int
	WeeklyDay   time.Weekday
	WeeklyHour  int
}

// DefaultSchedule starts windows at 07:00 and 19:00 UTC, and the weekly
// window on Monday at 07:00 UTC.
func DefaultSchedule() Schedule {
	return Schedule{Location: time.UTC, MorningHour: 7, EveningHour: 19, WeeklyDay: time.Monday, WeeklyHour: 7}
}

// NextStart returns the first start of window w strictly after now.
func (s Schedule) NextStart(w WindowType, now time.Time) (time.Time, bool) {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}

	local := now.In(loc)

	switch w {
	case WindowMorning:
		return nextDaily(local, s.MorningHour), true
	case WindowEvening:
		return nextDaily(local, s.EveningHour), true
	case WindowWeekly:
		start := time.Date(local.Year(), local.Month(), local.Day(), s.WeeklyHour, 0, 0, 0, loc)
		start = start.AddDate(0, 0, (int(s.WeeklyDay)-int(start.Weekday())+7)%7)

		if !start.After(local) {
			start = start.AddDate(0, 0, 7)
		}

		return start, true
	default:
		return time.Time{}, false
	}
}

func nextDaily(local time.Time, hour int) time.Time {
	start := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, local.Location())
	if !start.After(local) {
		start = start.AddDate(0, 0, 1)
	}

	return start
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithSchedule replaces DefaultSchedule.
func WithSchedule(s Schedule) ClassifierOption {
	return func(c *Classifier) {
		c.schedule = s
	}
}

// Classifier turns entity changes into signals.
type Classifier struct {
	rules    []Rule
	schedule Schedule
}

// NewClassifier validates rules and returns a Classifier. A nil rules slice
// selects DefaultRules.
func NewClassifier(rules []Rule, opts ...ClassifierOption) (*Classifier, error) {
	if rules == nil {
		rules = DefaultRules()
	}

	for _, r := range rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
	}

	c := &Classifier{rules: append([]Rule(nil), rules...), schedule: DefaultSchedule()}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c, nil
}

// Classify returns the signals event produces, in rule order. Changes
// without a user produce none. Signal IDs derive from the event ID and the
// signal type, so classifying the same change twice yields the same IDs.
func (c *Classifier) Classify(event messagebus.EntityChangedEvent, now time.Time) []messagebus.SignalRoutedEvent {
	if event.UserID == nil || strings.TrimSpace(*event.UserID) == "" {
		return nil
	}

	var signals []messagebus.SignalRoutedEvent

	for _, r := range c.rules {
		if !r.matches(event) {
			continue
		}

		entityType, entityID := event.EntityType, event.EntityID

		s := messagebus.SignalRoutedEvent{
			EventID:          messagebus.BatchID(messagebus.TypeSignalRouted, event.EventID, r.EventType),
			UserID:           *event.UserID,
			EventType:        r.EventType,
			Priority:         r.Priority,
			WindowType:       r.Window,
			TargetEntityType: &entityType,
			TargetEntityID:   &entityID,
		}

		if s.WindowType == "" {
			s.WindowType = WindowNone
		}

		if start, ok := c.schedule.NextStart(s.WindowType, now); ok {
			start = start.UTC()
			s.ScheduledWindowStart = &start
		}

		signals = append(signals, s)
	}

	return signals
}
