package notification

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func recipients(ids ...string) []Recipient {
	out := make([]Recipient, 0, len(ids))
	for _, id := range ids {
		out = append(out, Recipient{UserID: id})
	}
	return out
}

func TestEveryTypeHasFormatter(t *testing.T) {
	t.Parallel()
	for _, typ := range Types() {
		if !Known(typ) {
			t.Fatalf("type %q has no formatter", typ)
		}
	}
	if len(formatters) != len(Types()) {
		t.Fatalf("formatter table has %d entries, Types() has %d", len(formatters), len(Types()))
	}
}

func TestFormatOneRecordPerRecipient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		job  Job
	}{
		{name: "level_up", job: Job{NotificationType: TypeLevelUp, Data: mustJSON(t, LevelUpData{NewLevel: 12})}},
		{name: "daily_reminder", job: Job{NotificationType: TypeDailyReminder, Data: mustJSON(t, DailyReminderData{ReminderType: "daily_coins"})}},
		{name: "event_announcement", job: Job{NotificationType: TypeEventAnnouncement, Data: mustJSON(t, EventAnnouncementData{EventData: EventData{ID: "ev1", Title: "Summer Festival", Description: "Join us"}})}},
		{name: "system_maintenance", job: Job{NotificationType: TypeSystemMaintenance, Data: mustJSON(t, MaintenanceData{MaintenanceType: "scheduled"})}},
		{name: "custom", job: Job{NotificationType: TypeCustom, Data: mustJSON(t, CustomData{Title: "Hi", Message: "There"})}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			job := tt.job
			job.Recipients = recipients("u1", "u2", "u3", "u4")
			got, err := Format(job, testNow)
			if err != nil {
				t.Fatalf("Format error: %v", err)
			}
			if len(got) != 4 {
				t.Fatalf("len(records) = %d, want 4", len(got))
			}
			for i, r := range got {
				if r.Type != job.NotificationType {
					t.Fatalf("record %d type = %q, want %q", i, r.Type, job.NotificationType)
				}
				if r.UserID != job.Recipients[i].UserID {
					t.Fatalf("record %d user = %q, want %q", i, r.UserID, job.Recipients[i].UserID)
				}
			}
		})
	}
}

func TestLevelUp(t *testing.T) {
	t.Parallel()
	got, err := Format(Job{
		NotificationType: TypeLevelUp,
		Recipients:       recipients("u1"),
		Data:             mustJSON(t, LevelUpData{NewLevel: 7, CoinsReward: 150}),
	}, testNow)
	if err != nil {
		t.Fatalf("Format error: %v", err)
	}
	r := got[0]
	if r.Priority != PriorityHigh {
		t.Fatalf("priority = %q, want high", r.Priority)
	}
	if r.Message != "Congratulations! You've reached level 7!" {
		t.Fatalf("message = %q", r.Message)
	}
	if r.Data["newLevel"] != 7 || r.Data["coinsReward"] != 150 {
		t.Fatalf("unexpected data: %#v", r.Data)
	}
}

func TestDailyReminderLookup(t *testing.T) {
	t.Parallel()
	tests := []struct {
		reminderType string
		custom       string
		title        string
		message      string
	}{
		{reminderType: "gacha_discount", title: "🎲 Special Gacha Discount!", message: "Limited time: 50% off all gacha pulls!"},
		{reminderType: "daily_coins", title: "💰 Daily Coins Available!", message: reminderTexts["daily_coins"].message},
		{reminderType: "quiz_available", title: "🧠 New Anime Quiz!", message: reminderTexts["quiz_available"].message},
		{reminderType: "something_else", custom: "Vote for waifu of the week", title: "📢 Daily Reminder", message: "Vote for waifu of the week"},
		{reminderType: "", title: "📢 Daily Reminder", message: "Don't forget to check in with MaryBot today!"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.reminderType, func(t *testing.T) {
			t.Parallel()
			got, err := Format(Job{
				NotificationType: TypeDailyReminder,
				Recipients:       recipients("a", "b"),
				Data:             mustJSON(t, DailyReminderData{ReminderType: tt.reminderType, CustomMessage: tt.custom}),
			}, testNow)
			if err != nil {
				t.Fatalf("Format error: %v", err)
			}
			for _, r := range got {
				if r.Title != tt.title || r.Message != tt.message {
					t.Fatalf("got (%q, %q), want (%q, %q)", r.Title, r.Message, tt.title, tt.message)
				}
				if r.Priority != PriorityMedium {
					t.Fatalf("priority = %q, want medium", r.Priority)
				}
				want := testNow.Add(86_400_000 * time.Millisecond).UTC().Format(time.RFC3339Nano)
				if r.Data["expiresAt"] != want {
					t.Fatalf("expiresAt = %v, want %s", r.Data["expiresAt"], want)
				}
			}
		})
	}
}

func TestEventAnnouncementButtons(t *testing.T) {
	t.Parallel()
	got, err := Format(Job{
		NotificationType: TypeEventAnnouncement,
		Recipients:       recipients("u1"),
		Data: mustJSON(t, EventAnnouncementData{EventData: EventData{
			ID: "ev42", Title: "🌸 Sakura Event", Description: "Double gacha drops all week", EventType: "seasonal",
		}}),
	}, testNow)
	if err != nil {
		t.Fatalf("Format error: %v", err)
	}
	r := got[0]
	if r.Title != "🌸 Sakura Event" || r.Message != "Double gacha drops all week" {
		t.Fatalf("unexpected title/message: %q / %q", r.Title, r.Message)
	}
	if r.Priority != PriorityHigh {
		t.Fatalf("priority = %q, want high", r.Priority)
	}
	if len(r.ActionButtons) != 2 {
		t.Fatalf("buttons = %d, want 2", len(r.ActionButtons))
	}
	if r.ActionButtons[0].Label != "Participate" || r.ActionButtons[1].Label != "Learn More" {
		t.Fatalf("unexpected labels: %+v", r.ActionButtons)
	}
	for _, b := range r.ActionButtons {
		if b.Action == "" || b.Action[len(b.Action)-4:] != "ev42" {
			t.Fatalf("button %q does not encode event id: %q", b.Label, b.Action)
		}
	}
}

func TestAchievementUnlockCardinality(t *testing.T) {
	t.Parallel()
	got, err := Format(Job{
		NotificationType: TypeAchievementUnlock,
		Recipients:       recipients("u1", "u2", "u3"),
		Data: mustJSON(t, AchievementUnlockData{Achievements: []Achievement{
			{UserID: "u1", ID: "a1", Name: "First Pull", Rarity: "common"},
			{UserID: "u1", ID: "a2", Name: "Otaku Sage", Rarity: "legendary"},
			{UserID: "u2", ID: "a3", Name: "Quiz Whiz", Rarity: "rare"},
		}}),
	}, testNow)
	if err != nil {
		t.Fatalf("Format error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(got))
	}
	perUser := map[string]int{}
	for _, r := range got {
		perUser[r.UserID]++
		wantPrio := PriorityMedium
		if r.Data["rarity"] == "legendary" {
			wantPrio = PriorityHigh
		}
		if r.Priority != wantPrio {
			t.Fatalf("achievement %v priority = %q, want %q", r.Data["achievementId"], r.Priority, wantPrio)
		}
	}
	if perUser["u1"] != 2 || perUser["u2"] != 1 || perUser["u3"] != 0 {
		t.Fatalf("unexpected per-user counts: %v", perUser)
	}
}

func TestSystemMaintenancePriority(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind  string
		title string
		prio  Priority
	}{
		{kind: "scheduled", title: "🔧 Scheduled Maintenance", prio: PriorityLow},
		{kind: "emergency", title: "🚨 Emergency Maintenance", prio: PriorityHigh},
		{kind: "completed", title: "✅ Maintenance Complete", prio: PriorityLow},
		{kind: "database", title: "🔧 System Maintenance", prio: PriorityLow},
	}
	for _, tt := range tests {
		got, err := Format(Job{
			NotificationType: TypeSystemMaintenance,
			Recipients:       recipients("u1"),
			Data:             mustJSON(t, MaintenanceData{MaintenanceType: tt.kind}),
		}, testNow)
		if err != nil {
			t.Fatalf("%s: Format error: %v", tt.kind, err)
		}
		if got[0].Title != tt.title || got[0].Priority != tt.prio {
			t.Fatalf("%s: got (%q, %q), want (%q, %q)", tt.kind, got[0].Title, got[0].Priority, tt.title, tt.prio)
		}
	}
}

func TestCustomPassthrough(t *testing.T) {
	t.Parallel()
	expires := int64(3_600_000)
	got, err := Format(Job{
		NotificationType: TypeCustom,
		Recipients:       recipients("u1"),
		Data: mustJSON(t, CustomData{
			Title:         "Server birthday",
			Message:       "MaryBot turns 2 today!",
			Data:          map[string]any{"coinsReward": 500},
			ActionButtons: []ActionButton{{Label: "Claim", Action: "claim_bday"}},
		}),
		Options: Options{Priority: PriorityUrgent, ExpiresIn: &expires},
	}, testNow)
	if err != nil {
		t.Fatalf("Format error: %v", err)
	}
	r := got[0]
	if r.Title != "Server birthday" || r.Message != "MaryBot turns 2 today!" {
		t.Fatalf("unexpected title/message: %q / %q", r.Title, r.Message)
	}
	if r.Priority != PriorityUrgent {
		t.Fatalf("priority = %q, want urgent", r.Priority)
	}
	if r.Data["coinsReward"] != float64(500) {
		t.Fatalf("coinsReward = %#v", r.Data["coinsReward"])
	}
	if want := testNow.Add(time.Hour).Format(time.RFC3339Nano); r.Data["expiresAt"] != want {
		t.Fatalf("expiresAt = %v, want %s", r.Data["expiresAt"], want)
	}
	if len(r.ActionButtons) != 1 || r.ActionButtons[0].Action != "claim_bday" {
		t.Fatalf("unexpected buttons: %+v", r.ActionButtons)
	}
}

func TestCustomDefaults(t *testing.T) {
	t.Parallel()
	got, err := Format(Job{
		NotificationType: TypeCustom,
		Recipients:       recipients("u1"),
		Data:             mustJSON(t, CustomData{Title: "t", Message: "m"}),
	}, testNow)
	if err != nil {
		t.Fatalf("Format error: %v", err)
	}
	if got[0].Priority != PriorityMedium {
		t.Fatalf("priority = %q, want medium", got[0].Priority)
	}
	if want := testNow.Add(24 * time.Hour).Format(time.RFC3339Nano); got[0].Data["expiresAt"] != want {
		t.Fatalf("expiresAt = %v, want %s", got[0].Data["expiresAt"], want)
	}
}

func TestUnknownType(t *testing.T) {
	t.Parallel()
	got, err := Format(Job{NotificationType: "bogus", Recipients: recipients("u1")}, testNow)
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	if got != nil {
		t.Fatalf("expected no records, got %d", len(got))
	}
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if err.Error() != "Unknown notification type: bogus" {
		t.Fatalf("error = %q", err.Error())
	}
}

func TestMalformedJob(t *testing.T) {
	t.Parallel()
	_, err := Format(Job{NotificationType: TypeLevelUp, Recipients: []Recipient{{UserID: ""}}}, testNow)
	var mj *MalformedJobError
	if !errors.As(err, &mj) {
		t.Fatalf("expected MalformedJobError for empty userId, got %v", err)
	}

	_, err = Format(Job{NotificationType: TypeLevelUp, Recipients: recipients("u1"), Data: json.RawMessage(`{"newLevel":"nine"}`)}, testNow)
	if !errors.As(err, &mj) {
		t.Fatalf("expected MalformedJobError for bad payload, got %v", err)
	}
}

func TestEmptyRecipients(t *testing.T) {
	t.Parallel()
	got, err := Format(Job{NotificationType: TypeLevelUp, Data: mustJSON(t, LevelUpData{NewLevel: 2})}, testNow)
	if err != nil {
		t.Fatalf("Format error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("len(records) = %d, want 0", len(got))
	}
}
