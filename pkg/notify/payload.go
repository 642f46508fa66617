package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/evetactical/gatewatch/pkg/models"
)

// contentLimit is the chat-platform bound on message content length.
const contentLimit = 2000

// Embed colors, 0xRRGGBB.
const (
	colorHigh   = 0xd83c3e
	colorMedium = 0xe67e22
	colorLow    = 0xf1c40f
	colorInfo   = 0x3498db
)

// Message is the webhook body shape. It is assembled here, persisted with
// the alert, and sent verbatim by the dispatcher.
type Message struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

// Embed is one rich block inside a Message.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

// EmbedField is a labelled value inside an Embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

func killURL(killID int64) string {
	return fmt.Sprintf("https://zkillboard.com/kill/%d/", killID)
}

func systemURL(systemID int64) string {
	return fmt.Sprintf("https://zkillboard.com/system/%d/", systemID)
}

func iskShort(value float64) string {
	switch {
	case value >= 1e9:
		return fmt.Sprintf("%.2fb ISK", value/1e9)
	case value >= 1e6:
		return fmt.Sprintf("%.1fm ISK", value/1e6)
	case value > 0:
		return fmt.Sprintf("%.0fk ISK", value/1e3)
	default:
		return "unvalued"
	}
}

func triggerTitle(trigger models.TriggerKind) string {
	switch trigger {
	case models.TriggerWatchlistActivity:
		return "Watchlist activity"
	case models.TriggerHighValue:
		return "High-value kill"
	case models.TriggerLocationScope:
		return "Activity in watched region"
	case models.TriggerWarActivity:
		return "War kill"
	case models.TriggerNPCFactionKill:
		return "Faction involvement"
	case models.TriggerGatecampDetected:
		return "Gatecamp detected"
	default:
		return string(trigger)
	}
}

// killMessage renders one enriched kill for a per-kill trigger.
func killMessage(kill *models.Kill, trigger models.TriggerKind) Message {
	fields := []EmbedField{
		{Name: "System", Value: fmt.Sprintf("[%d](%s)", kill.SystemID, systemURL(kill.SystemID)), Inline: true},
		{Name: "Value", Value: iskShort(kill.TotalValue), Inline: true},
		{Name: "Attackers", Value: fmt.Sprintf("%d", kill.AttackerCount), Inline: true},
	}
	if kill.WarID != nil {
		fields = append(fields, EmbedField{Name: "War", Value: fmt.Sprintf("%d", *kill.WarID), Inline: true})
	}

	desc := fmt.Sprintf("Victim org %d lost ship type %d", kill.VictimOrgID, kill.VictimShipTypeID)
	if kill.Solo {
		desc += " (solo kill)"
	}

	return Message{
		Embeds: []Embed{{
			Title:       fmt.Sprintf("%s — kill %d", triggerTitle(trigger), kill.KillID),
			Description: desc,
			URL:         killURL(kill.KillID),
			Color:       colorInfo,
			Fields:      fields,
			Timestamp:   kill.KillTime.UTC().Format(time.RFC3339),
		}},
	}
}

// campMessage renders a detector finding. Re-rendered on in-place
// confidence upgrades.
func campMessage(finding *models.CampFinding) Message {
	color := colorLow
	switch finding.Confidence {
	case models.ConfidenceHigh:
		color = colorHigh
	case models.ConfidenceMedium:
		color = colorMedium
	}

	fields := []EmbedField{
		{Name: "Kills", Value: fmt.Sprintf("%d in %ds", finding.KillCount, finding.WindowSeconds), Inline: true},
		{Name: "Confidence", Value: string(finding.Confidence), Inline: true},
		{Name: "Force ratio", Value: fmt.Sprintf("%.1f", finding.ForceAsymmetry), Inline: true},
		{Name: "Camping orgs", Value: joinIDs(finding.AttackerOrgIDs), Inline: false},
	}
	desc := fmt.Sprintf("Sustained kill activity in system [%d](%s)", finding.SystemID, systemURL(finding.SystemID))
	if finding.IsChainAreaAttack {
		desc += "; area-effect chain pattern"
	}

	return Message{
		Embeds: []Embed{{
			Title:       fmt.Sprintf("Gatecamp detected — system %d", finding.SystemID),
			Description: desc,
			URL:         systemURL(finding.SystemID),
			Color:       color,
			Fields:      fields,
			Timestamp:   finding.LastKillTime.UTC().Format(time.RFC3339),
		}},
	}
}

// rollupMessage coalesces kills suppressed during a throttle window into a
// single digest.
func rollupMessage(trigger models.TriggerKind, systemID int64, suppressed int, lines []rollupLine) Message {
	var b strings.Builder
	for _, line := range lines {
		fmt.Fprintf(&b, "[%d](%s) — ship type %d, %s\n",
			line.KillID, killURL(line.KillID), line.ShipTypeID, iskShort(line.Value))
	}
	if extra := suppressed - len(lines); extra > 0 {
		fmt.Fprintf(&b, "…and %d more", extra)
	}

	return Message{
		Embeds: []Embed{{
			Title:       fmt.Sprintf("%s — %d kills in system %d", triggerTitle(trigger), suppressed, systemID),
			Description: b.String(),
			URL:         systemURL(systemID),
			Color:       colorMedium,
		}},
	}
}

func joinIDs(ids models.Int64List) string {
	if len(ids) == 0 {
		return "unknown"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ", ")
}

// renderPayload marshals a message, clamping text to the platform bound.
func renderPayload(msg Message) (json.RawMessage, error) {
	msg.Content = clampText(msg.Content)
	for i := range msg.Embeds {
		msg.Embeds[i].Description = clampText(msg.Embeds[i].Description)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to render alert payload: %w", err)
	}
	return raw, nil
}

func clampText(s string) string {
	runes := []rune(s)
	if len(runes) <= contentLimit {
		return s
	}
	return string(runes[:contentLimit-1]) + "…"
}
