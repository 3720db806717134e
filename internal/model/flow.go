package model

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"time"
)

// FlowStatus is the lifecycle state of a flow.
type FlowStatus string

// Flow statuses. New flows always start stopped.
const (
	FlowStopped FlowStatus = "stopped"
	FlowRunning FlowStatus = "running"
	FlowFailed  FlowStatus = "failed"
)

// IsValid reports whether s is a known status.
func (s FlowStatus) IsValid() bool {
	switch s {
	case FlowStopped, FlowRunning, FlowFailed:
		return true
	}
	return false
}

// ScheduleType selects the recurrence of a flow.
type ScheduleType string

// Schedule types. ScheduleNone flows are only run on demand.
const (
	ScheduleNone    ScheduleType = "none"
	ScheduleDaily   ScheduleType = "daily"
	ScheduleWeekly  ScheduleType = "weekly"
	ScheduleMonthly ScheduleType = "monthly"
)

// ReceiverIdentity names the channel a flow's results are sent to.
type ReceiverIdentity string

// Supported receiver channels.
const (
	ReceiverEmail    ReceiverIdentity = "email"
	ReceiverWhatsApp ReceiverIdentity = "whatsapp"
	ReceiverTelegram ReceiverIdentity = "telegram"
	ReceiverDiscord  ReceiverIdentity = "discord"
)

// ValidReceivers contains all valid receiver identities.
var ValidReceivers = []ReceiverIdentity{ReceiverEmail, ReceiverWhatsApp, ReceiverTelegram, ReceiverDiscord}

// Validation limits for flow payloads.
const (
	MaxQueryLength   = 64 * 1024
	MaxQueryVars     = 64
	MaxAddressLength = 320
)

// Schedule validation errors.
var (
	ErrScheduleType       = errors.New("schedule type must be one of none, daily, weekly, monthly")
	ErrScheduleTime       = errors.New("schedule time must be HH:MM")
	ErrScheduleDayOfWeek  = errors.New("schedule dayOfWeek must be between 0 and 6")
	ErrScheduleDayOfMonth = errors.New("schedule dayOfMonth must be between 1 and 31")
)

var (
	scheduleTimePattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)
	varNamePattern      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Query is the DSL text of a flow and the variables read back after a run.
type Query struct {
	Syntax string   `json:"syntax"`
	Vars   []string `json:"vars"`
}

// Schedule describes when a flow fires.
type Schedule struct {
	Type       ScheduleType `json:"type"`
	Time       string       `json:"time,omitempty"`
	DayOfWeek  *int         `json:"dayOfWeek,omitempty"`
	DayOfMonth *int         `json:"dayOfMonth,omitempty"`
}

// Receiver is the notification target for a flow's results.
type Receiver struct {
	Identity ReceiverIdentity `json:"identity"`
	Address  string           `json:"address"`
}

// Flow is a stored automation: one query, one schedule, one receiver.
type Flow struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userid"`
	Status    FlowStatus `json:"status"`
	Query     Query      `json:"query"`
	Schedule  Schedule   `json:"schedule"`
	Receiver  Receiver   `json:"receiver"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// IsScheduled reports whether the flow is managed by the scheduler.
func (f *Flow) IsScheduled() bool {
	return f.Schedule.Type != ScheduleNone
}

// IsRunning reports whether the flow is in the running state.
func (f *Flow) IsRunning() bool {
	return f.Status == FlowRunning
}

// Clock returns the hour and minute of the schedule time.
// Callers must have validated the schedule.
func (s Schedule) Clock() (hour, minute int) {
	m := scheduleTimePattern.FindStringSubmatch(s.Time)
	if m == nil {
		return 0, 0
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	return hour, minute
}

// Validate checks the schedule fields required by its type.
func (s Schedule) Validate() error {
	switch s.Type {
	case ScheduleNone:
		return nil
	case ScheduleDaily, ScheduleWeekly, ScheduleMonthly:
	default:
		return ErrScheduleType
	}

	if !scheduleTimePattern.MatchString(s.Time) {
		return ErrScheduleTime
	}

	switch s.Type {
	case ScheduleWeekly:
		if s.DayOfWeek == nil || *s.DayOfWeek < 0 || *s.DayOfWeek > 6 {
			return ErrScheduleDayOfWeek
		}
	case ScheduleMonthly:
		if s.DayOfMonth == nil || *s.DayOfMonth < 1 || *s.DayOfMonth > 31 {
			return ErrScheduleDayOfMonth
		}
	}
	return nil
}

// Validate checks the query text and variable names.
func (q Query) Validate() error {
	if q.Syntax == "" {
		return errors.New("query syntax is required")
	}
	if len(q.Syntax) > MaxQueryLength {
		return fmt.Errorf("query syntax exceeds %d bytes", MaxQueryLength)
	}
	if len(q.Vars) > MaxQueryVars {
		return fmt.Errorf("query declares more than %d vars", MaxQueryVars)
	}
	for _, v := range q.Vars {
		if !varNamePattern.MatchString(v) {
			return fmt.Errorf("invalid query var name %q", v)
		}
	}
	return nil
}

// Validate checks the receiver channel and address.
func (r Receiver) Validate() error {
	if !slices.Contains(ValidReceivers, r.Identity) {
		return errors.New("receiver identity must be one of email, whatsapp, telegram, discord")
	}
	if r.Address == "" {
		return errors.New("receiver address is required")
	}
	if len(r.Address) > MaxAddressLength {
		return fmt.Errorf("receiver address exceeds %d characters", MaxAddressLength)
	}
	return nil
}

// ReceiverSummary is a receiver with its address redacted.
type ReceiverSummary struct {
	Identity ReceiverIdentity `json:"identity"`
}

// FlowSummary is the owner-facing view of a flow. The receiver address
// is never included.
type FlowSummary struct {
	ID        string          `json:"id"`
	Status    FlowStatus      `json:"status"`
	Query     Query           `json:"query"`
	Schedule  Schedule        `json:"schedule"`
	Receiver  ReceiverSummary `json:"receiver"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Summary returns the redacted view of f.
func (f *Flow) Summary() FlowSummary {
	return FlowSummary{
		ID:        f.ID,
		Status:    f.Status,
		Query:     f.Query,
		Schedule:  f.Schedule,
		Receiver:  ReceiverSummary{Identity: f.Receiver.Identity},
		CreatedAt: f.CreatedAt,
	}
}
