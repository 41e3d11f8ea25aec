package notification

import (
	"encoding/json"
	"time"
)

// Type tags a job and every record formatted from it.
type Type string

const (
	TypeLevelUp           Type = "level_up"
	TypeDailyReminder     Type = "daily_reminder"
	TypeEventAnnouncement Type = "event_announcement"
	TypeAchievementUnlock Type = "achievement_unlock"
	TypeSystemMaintenance Type = "system_maintenance"
	TypeCustom            Type = "custom"
)

// Types returns the closed set of notification types, in declaration order.
func Types() []Type {
	return []Type{
		TypeLevelUp,
		TypeDailyReminder,
		TypeEventAnnouncement,
		TypeAchievementUnlock,
		TypeSystemMaintenance,
		TypeCustom,
	}
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// DefaultExpiry is how long reminders and custom notifications stay relevant.
const DefaultExpiry = 24 * time.Hour

type Recipient struct {
	UserID string `json:"userId" validate:"required"`
}

type Options struct {
	Priority Priority `json:"priority,omitempty"`
	// ExpiresIn is in milliseconds.
	ExpiresIn *int64 `json:"expiresIn,omitempty"`
}

// Job is one logical dispatch request. Data is decoded per Type by the
// matching formatter.
type Job struct {
	NotificationType Type            `json:"notificationType" validate:"required"`
	Recipients       []Recipient     `json:"recipients" validate:"dive"`
	Data             json.RawMessage `json:"data,omitempty"`
	Options          Options         `json:"options"`
}

type ActionButton struct {
	Label  string `json:"label"`
	Action string `json:"action"`
}

// Record is one formatted notification for exactly one recipient.
type Record struct {
	UserID        string         `json:"userId"`
	Type          Type           `json:"type"`
	Title         string         `json:"title"`
	Message       string         `json:"message"`
	Data          map[string]any `json:"data"`
	Priority      Priority       `json:"priority"`
	ActionButtons []ActionButton `json:"actionButtons,omitempty"`
}

// ---- typed payloads, one per variant ----

type LevelUpData struct {
	NewLevel    int `json:"newLevel"`
	OldLevel    int `json:"oldLevel,omitempty"`
	CoinsReward int `json:"coinsReward,omitempty"`
}

type DailyReminderData struct {
	ReminderType  string `json:"reminderType"`
	CustomMessage string `json:"customMessage,omitempty"`
}

type EventData struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	EventType   string `json:"eventType,omitempty"`
	StartDate   string `json:"startDate,omitempty"`
	EndDate     string `json:"endDate,omitempty"`
	Rewards     any    `json:"rewards,omitempty"`
}

type EventAnnouncementData struct {
	EventData EventData `json:"eventData"`
}

type Achievement struct {
	UserID      string `json:"userId"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Rarity      string `json:"rarity,omitempty"`
	CoinsReward int    `json:"coinsReward,omitempty"`
}

type AchievementUnlockData struct {
	Achievements []Achievement `json:"achievements"`
}

type MaintenanceData struct {
	MaintenanceType string `json:"maintenanceType"`
	StartTime       string `json:"startTime,omitempty"`
	Duration        string `json:"duration,omitempty"`
	Message         string `json:"message,omitempty"`
}

type CustomData struct {
	Title         string         `json:"title"`
	Message       string         `json:"message"`
	Data          map[string]any `json:"data,omitempty"`
	ActionButtons []ActionButton `json:"actionButtons,omitempty"`
}
