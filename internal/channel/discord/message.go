package discord

import (
	"fmt"

	"marybot/internal/notification"
)

// Embed colors by priority.
const (
	ColorLow    = 0x95a5a6
	ColorMedium = 0x3498db
	ColorHigh   = 0xe74c3c
	ColorUrgent = 0x9b59b6
)

// ColorFor maps a priority to its embed color. Unknown priorities get
// the medium color.
func ColorFor(p notification.Priority) int {
	switch p {
	case notification.PriorityLow:
		return ColorLow
	case notification.PriorityHigh:
		return ColorHigh
	case notification.PriorityUrgent:
		return ColorUrgent
	default:
		return ColorMedium
	}
}

// Message is the subset of the Discord create-message payload we send.
type Message struct {
	Embeds     []Embed     `json:"embeds"`
	Components []ActionRow `json:"components,omitempty"`
}

type Embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

const (
	componentActionRow = 1
	componentButton    = 2
	buttonPrimary      = 1
)

type ActionRow struct {
	Type       int      `json:"type"`
	Components []Button `json:"components"`
}

type Button struct {
	Type     int    `json:"type"`
	Style    int    `json:"style"`
	Label    string `json:"label"`
	CustomID string `json:"custom_id"`
}

// embedFields lists the data keys surfaced as inline fields, in order.
var embedFields = []struct {
	key, name string
	format    func(v any) string
}{
	{"newLevel", "New Level", func(v any) string { return fmt.Sprint(v) }},
	{"coinsReward", "Coins Reward", func(v any) string { return fmt.Sprintf("💰 %v", v) }},
	{"eventType", "Event Type", func(v any) string { return fmt.Sprint(v) }},
	{"expiresAt", "Expires", func(v any) string { return fmt.Sprint(v) }},
}

// maxButtonsPerRow is Discord's limit for one action row.
const maxButtonsPerRow = 5

// BuildMessage renders a record as an embed with optional buttons.
func BuildMessage(rec notification.Record) Message {
	e := Embed{
		Title:       rec.Title,
		Description: rec.Message,
		Color:       ColorFor(rec.Priority),
	}
	for _, f := range embedFields {
		v, ok := rec.Data[f.key]
		if !ok || v == nil || v == "" {
			continue
		}
		e.Fields = append(e.Fields, EmbedField{Name: f.name, Value: f.format(v), Inline: true})
	}
	msg := Message{Embeds: []Embed{e}}

	if len(rec.ActionButtons) > 0 {
		row := ActionRow{Type: componentActionRow}
		for i, b := range rec.ActionButtons {
			if i == maxButtonsPerRow {
				break
			}
			row.Components = append(row.Components, Button{
				Type:     componentButton,
				Style:    buttonPrimary,
				Label:    b.Label,
				CustomID: b.Action,
			})
		}
		msg.Components = []ActionRow{row}
	}
	return msg
}
