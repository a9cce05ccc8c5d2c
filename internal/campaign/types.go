// Package campaign holds the domain model shared by the dispatcher core:
// accounts, message templates, target groups, schedules and the registry
// the operator API writes into.
package campaign

import (
	"strings"
	"time"
)

// AccountStatus is the connection state of a sender account.
// Transitions are owned by the account pool; the transport reports them.
type AccountStatus string

const (
	AccountDisconnected AccountStatus = "disconnected"
	AccountConnecting   AccountStatus = "connecting"
	AccountConnected    AccountStatus = "connected"
	AccountError        AccountStatus = "error"
)

// Account is one Telegram sender identity.
// Credentials are opaque to the core; only the transport interprets them.
type Account struct {
	ID           string
	PhoneNumber  string
	Username     string
	Credentials  string
	Premium      bool
	Status       AccountStatus
	LastActiveAt time.Time
	LastError    string
}

// TargetStatus is the delivery state of a target group.
// It is owned by the dispatcher and only changes as the result of a
// completed or abandoned send attempt.
type TargetStatus string

const (
	TargetPending   TargetStatus = "pending"
	TargetScheduled TargetStatus = "scheduled"
	TargetSent      TargetStatus = "sent"
	TargetFailed    TargetStatus = "failed"
)

// TargetGroup is one destination group or channel.
type TargetGroup struct {
	ID            string
	Name          string
	Username      string
	MemberCount   int
	IsChannel     bool
	Status        TargetStatus
	LastMessageAt time.Time
}

// WatermarkPosition says where the watermark line is joined onto the body.
type WatermarkPosition string

const (
	WatermarkStart WatermarkPosition = "start"
	WatermarkEnd   WatermarkPosition = "end"
)

// Watermark is applied at render time; it never mutates a stored template.
type Watermark struct {
	Enabled  bool
	Text     string
	Position WatermarkPosition
}

// MessageTemplate is immutable at send time. PremiumOnly marks content that
// may only go out through a premium account (policy, see dispatcher config).
type MessageTemplate struct {
	ID          string
	Title       string
	Content     string
	HasEmojis   bool
	HasMedia    bool
	MediaRef    string
	PremiumOnly bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Rendered returns the content with the watermark applied.
// Watermark and body are separated by a blank line.
func (t MessageTemplate) Rendered(w Watermark) string {
	body := t.Content
	if !w.Enabled || strings.TrimSpace(w.Text) == "" {
		return body
	}
	if w.Position == WatermarkStart {
		return w.Text + "\n\n" + body
	}
	return body + "\n\n" + w.Text
}

// Schedule is a sending window plus pacing bounds.
// MinDelay <= MaxDelay, both > 0 (validated on registration).
// EndTime empty means open-ended past StartTime on an active day.
type Schedule struct {
	ID         string
	Name       string
	MinDelay   time.Duration
	MaxDelay   time.Duration
	StartTime  string // "HH:MM"
	EndTime    string // "HH:MM", optional
	ActiveDays []time.Weekday
	Active     bool
	Watermark  Watermark
}
