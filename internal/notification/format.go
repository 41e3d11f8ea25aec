package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type formatter func(job Job, now time.Time) ([]Record, error)

// formatters is the closed variant table. Every value returned by Types()
// must have an entry (see TestEveryTypeHasFormatter).
var formatters = map[Type]formatter{
	TypeLevelUp:           formatLevelUp,
	TypeDailyReminder:     formatDailyReminder,
	TypeEventAnnouncement: formatEventAnnouncement,
	TypeAchievementUnlock: formatAchievementUnlock,
	TypeSystemMaintenance: formatSystemMaintenance,
	TypeCustom:            formatCustom,
}

// Known reports whether t has a formatter.
func Known(t Type) bool {
	_, ok := formatters[t]
	return ok
}

// Format expands a job into per-recipient records. now is the dispatch
// time used for expiry stamps.
func Format(job Job, now time.Time) ([]Record, error) {
	fn, ok := formatters[job.NotificationType]
	if !ok {
		return nil, &UnknownTypeError{Type: job.NotificationType}
	}
	if err := Validate(job); err != nil {
		return nil, err
	}
	return fn(job, now)
}

func decodeData(job Job, out any) error {
	raw := bytes.TrimSpace(job.Data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &MalformedJobError{Reason: fmt.Sprintf("%s data", job.NotificationType), Err: err}
	}
	return nil
}

func expiresAt(now time.Time, d time.Duration) string {
	return now.Add(d).UTC().Format(time.RFC3339Nano)
}

func formatLevelUp(job Job, _ time.Time) ([]Record, error) {
	var d LevelUpData
	if err := decodeData(job, &d); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(job.Recipients))
	for _, r := range job.Recipients {
		data := map[string]any{"newLevel": d.NewLevel}
		if d.OldLevel > 0 {
			data["oldLevel"] = d.OldLevel
		}
		if d.CoinsReward > 0 {
			data["coinsReward"] = d.CoinsReward
		}
		out = append(out, Record{
			UserID:   r.UserID,
			Type:     TypeLevelUp,
			Title:    "🎉 Level Up!",
			Message:  fmt.Sprintf("Congratulations! You've reached level %d!", d.NewLevel),
			Data:     data,
			Priority: PriorityHigh,
		})
	}
	return out, nil
}

type reminderText struct{ title, message string }

var reminderTexts = map[string]reminderText{
	"daily_coins":    {"💰 Daily Coins Available!", "Your daily coins are ready to claim. Use /daily to collect them!"},
	"quiz_available": {"🧠 New Anime Quiz!", "A fresh anime quiz is waiting for you. Use /quiz to play!"},
	"gacha_discount": {"🎲 Special Gacha Discount!", "Limited time: 50% off all gacha pulls!"},
}

func formatDailyReminder(job Job, now time.Time) ([]Record, error) {
	var d DailyReminderData
	if err := decodeData(job, &d); err != nil {
		return nil, err
	}
	// Anything outside the table falls through to the generic reminder.
	txt, ok := reminderTexts[d.ReminderType]
	if !ok {
		txt = reminderText{"📢 Daily Reminder", d.CustomMessage}
		if strings.TrimSpace(txt.message) == "" {
			txt.message = "Don't forget to check in with MaryBot today!"
		}
	}
	exp := expiresAt(now, DefaultExpiry)
	out := make([]Record, 0, len(job.Recipients))
	for _, r := range job.Recipients {
		out = append(out, Record{
			UserID:  r.UserID,
			Type:    TypeDailyReminder,
			Title:   txt.title,
			Message: txt.message,
			Data: map[string]any{
				"reminderType": d.ReminderType,
				"expiresAt":    exp,
			},
			Priority: PriorityMedium,
		})
	}
	return out, nil
}

func formatEventAnnouncement(job Job, _ time.Time) ([]Record, error) {
	var d EventAnnouncementData
	if err := decodeData(job, &d); err != nil {
		return nil, err
	}
	ev := d.EventData
	out := make([]Record, 0, len(job.Recipients))
	for _, r := range job.Recipients {
		data := map[string]any{
			"eventId":   ev.ID,
			"eventType": ev.EventType,
			"startDate": ev.StartDate,
			"endDate":   ev.EndDate,
		}
		if ev.Rewards != nil {
			data["rewards"] = ev.Rewards
		}
		out = append(out, Record{
			UserID:   r.UserID,
			Type:     TypeEventAnnouncement,
			Title:    ev.Title,
			Message:  ev.Description,
			Data:     data,
			Priority: PriorityHigh,
			ActionButtons: []ActionButton{
				{Label: "Participate", Action: "join_event_" + ev.ID},
				{Label: "Learn More", Action: "event_info_" + ev.ID},
			},
		})
	}
	return out, nil
}

func formatAchievementUnlock(job Job, _ time.Time) ([]Record, error) {
	var d AchievementUnlockData
	if err := decodeData(job, &d); err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range job.Recipients {
		for _, a := range d.Achievements {
			if a.UserID != r.UserID {
				continue
			}
			prio := PriorityMedium
			if a.Rarity == "legendary" {
				prio = PriorityHigh
			}
			msg := fmt.Sprintf("You've unlocked \"%s\"!", a.Name)
			if a.Description != "" {
				msg += " " + a.Description
			}
			data := map[string]any{
				"achievementId":   a.ID,
				"achievementName": a.Name,
				"rarity":          a.Rarity,
			}
			if a.CoinsReward > 0 {
				data["coinsReward"] = a.CoinsReward
			}
			out = append(out, Record{
				UserID:   r.UserID,
				Type:     TypeAchievementUnlock,
				Title:    "🏆 Achievement Unlocked!",
				Message:  msg,
				Data:     data,
				Priority: prio,
			})
		}
	}
	return out, nil
}

func formatSystemMaintenance(job Job, _ time.Time) ([]Record, error) {
	var d MaintenanceData
	if err := decodeData(job, &d); err != nil {
		return nil, err
	}
	var title, msg string
	switch d.MaintenanceType {
	case "scheduled":
		title = "🔧 Scheduled Maintenance"
		msg = fmt.Sprintf("MaryBot will be down for maintenance starting %s (expected duration: %s).",
			orDefault(d.StartTime, "soon"), orDefault(d.Duration, "unknown"))
	case "emergency":
		title = "🚨 Emergency Maintenance"
		msg = "MaryBot is undergoing emergency maintenance. Some features may be unavailable."
	case "completed":
		title = "✅ Maintenance Complete"
		msg = "Maintenance is finished and all features are back online. Thanks for your patience!"
	default:
		title = "🔧 System Maintenance"
		msg = orDefault(d.Message, "MaryBot system maintenance notice.")
	}
	prio := PriorityLow
	if d.MaintenanceType == "emergency" {
		prio = PriorityHigh
	}
	out := make([]Record, 0, len(job.Recipients))
	for _, r := range job.Recipients {
		out = append(out, Record{
			UserID:  r.UserID,
			Type:    TypeSystemMaintenance,
			Title:   title,
			Message: msg,
			Data: map[string]any{
				"maintenanceType": d.MaintenanceType,
				"startTime":       d.StartTime,
				"duration":        d.Duration,
			},
			Priority: prio,
		})
	}
	return out, nil
}

func formatCustom(job Job, now time.Time) ([]Record, error) {
	var d CustomData
	if err := decodeData(job, &d); err != nil {
		return nil, err
	}
	prio := job.Options.Priority
	if prio == "" {
		prio = PriorityMedium
	}
	expiry := DefaultExpiry
	if job.Options.ExpiresIn != nil {
		expiry = time.Duration(*job.Options.ExpiresIn) * time.Millisecond
	}
	exp := expiresAt(now, expiry)
	out := make([]Record, 0, len(job.Recipients))
	for _, r := range job.Recipients {
		data := make(map[string]any, len(d.Data)+1)
		for k, v := range d.Data {
			data[k] = v
		}
		data["expiresAt"] = exp
		var buttons []ActionButton
		if len(d.ActionButtons) > 0 {
			buttons = append([]ActionButton(nil), d.ActionButtons...)
		}
		out = append(out, Record{
			UserID:        r.UserID,
			Type:          TypeCustom,
			Title:         d.Title,
			Message:       d.Message,
			Data:          data,
			Priority:      prio,
			ActionButtons: buttons,
		})
	}
	return out, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
