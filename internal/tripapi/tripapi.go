// Package tripapi builds the request specs of the planning backend's
// HTTP endpoints. Paths are relative to the /api/v1 base address.
package tripapi

import (
	"net/url"
	"strconv"

	"github.com/HsiangNianian/tripsync/internal/gateway"
)

type TravelDates struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Flexible bool   `json:"flexible"`
}

// PlanRequest mirrors the backend's planning request. Zero-valued
// optional fields are omitted.
type PlanRequest struct {
	Mode                string      `json:"mode,omitempty"`
	Destination         string      `json:"destination"`
	Origin              string      `json:"origin,omitempty"`
	Dates               TravelDates `json:"dates"`
	DurationDays        int         `json:"duration_days"`
	Travelers           int         `json:"travelers,omitempty"`
	Adults              int         `json:"adults,omitempty"`
	Children            int         `json:"children,omitempty"`
	Budget              float64     `json:"budget,omitempty"`
	Currency            string      `json:"currency,omitempty"`
	TravelStyle         string      `json:"travel_style,omitempty"`
	Vibes               []string    `json:"vibes,omitempty"`
	Interests           []string    `json:"interests,omitempty"`
	Priorities          []string    `json:"priorities,omitempty"`
	PaceLevel           int         `json:"pace_level,omitempty"`
	AccessibilityNeeds  []string    `json:"accessibility_needs,omitempty"`
	DietaryRestrictions []string    `json:"dietary_restrictions,omitempty"`
	IncludeAudioTour    bool        `json:"include_audio_tour"`
	RealtimeUpdates     bool        `json:"realtime_updates"`
	AdditionalInfo      string      `json:"additional_info,omitempty"`
}

type ReplanRequest struct {
	TripID          string         `json:"trip_id"`
	TriggerEvent    string         `json:"trigger_event"`
	EventDetails    map[string]any `json:"event_details"`
	AffectedDate    string         `json:"affected_date,omitempty"`
	UserPreferences map[string]any `json:"user_preferences,omitempty"`
}

// Event is an external event posted for a trip (weather, closure, delay).
type Event struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

// Upload is one file sent in a multipart call.
type Upload struct {
	Filename string
	MimeType string
	Data     []byte
}

func tripPath(tripID, suffix string) string {
	return "/travel/plan/" + url.PathEscape(tripID) + suffix
}

func CreatePlan(req PlanRequest) gateway.RequestSpec {
	if req.Dates.Start == "" && req.Dates.End == "" {
		req.Dates = TravelDates{Start: "flexible", End: "flexible", Flexible: true}
	}
	return gateway.RequestSpec{Path: "/travel/plan", Method: gateway.POST, JSON: req}
}

func GetPlan(tripID string) gateway.RequestSpec {
	return gateway.RequestSpec{Path: tripPath(tripID, ""), Method: gateway.GET}
}

func Replan(req ReplanRequest) gateway.RequestSpec {
	if req.EventDetails == nil {
		req.EventDetails = map[string]any{}
	}
	return gateway.RequestSpec{Path: tripPath(req.TripID, "/replan"), Method: gateway.POST, JSON: req}
}

func Updates(tripID string) gateway.RequestSpec {
	return gateway.RequestSpec{Path: tripPath(tripID, "/updates"), Method: gateway.GET}
}

// QuickStart plans a one-day trip around location; empty means the
// server's current-location default.
func QuickStart(location string) gateway.RequestSpec {
	spec := gateway.RequestSpec{Path: "/travel/quick-start", Method: gateway.POST}
	if location != "" {
		spec.Query = map[string]string{"location": location}
	}
	return spec
}

func SurpriseMe(budget float64, days int) gateway.RequestSpec {
	q := map[string]string{}
	if budget > 0 {
		q["budget"] = strconv.FormatFloat(budget, 'f', -1, 64)
	}
	if days > 0 {
		q["days"] = strconv.Itoa(days)
	}
	return gateway.RequestSpec{Path: "/travel/surprise-me", Method: gateway.POST, Query: q}
}

func Book(tripID string, items []map[string]any, userEmail string) gateway.RequestSpec {
	if items == nil {
		items = []map[string]any{}
	}
	spec := gateway.RequestSpec{Path: tripPath(tripID, "/book"), Method: gateway.POST, JSON: items}
	if userEmail != "" {
		spec.Query = map[string]string{"user_email": userEmail}
	}
	return spec
}

func VerifyFacts(tripID string, claims []string) gateway.RequestSpec {
	if claims == nil {
		claims = []string{}
	}
	return gateway.RequestSpec{Path: tripPath(tripID, "/verify"), Method: gateway.POST, JSON: claims}
}

// Download fetches the offline package; use it with Gateway.Fetch.
func Download(tripID string) gateway.RequestSpec {
	return gateway.RequestSpec{
		Path:   tripPath(tripID, "/download"),
		Method: gateway.GET,
		Header: map[string]string{"Accept": "application/zip"},
	}
}

func AnalyzeMoodboard(images []Upload, description string) gateway.RequestSpec {
	parts := make([]gateway.MultipartPart, 0, len(images)+1)
	for _, img := range images {
		parts = append(parts, gateway.FilePart("images", img.Filename, img.MimeType, img.Data))
	}
	if description != "" {
		parts = append(parts, gateway.FieldPart("description", description))
	}
	return gateway.RequestSpec{Path: "/multimodal/analyze-moodboard", Method: gateway.POST, Parts: parts}
}

func TranscribeVoice(audio Upload, language string) gateway.RequestSpec {
	if language == "" {
		language = "en"
	}
	return gateway.RequestSpec{
		Path:   "/multimodal/transcribe-voice",
		Method: gateway.POST,
		Parts: []gateway.MultipartPart{
			gateway.FilePart("audio", audio.Filename, audio.MimeType, audio.Data),
			gateway.FieldPart("language", language),
		},
	}
}

// ProcessMultimodal sends any mix of text, images and one audio clip.
func ProcessMultimodal(text string, images []Upload, audio *Upload) gateway.RequestSpec {
	var parts []gateway.MultipartPart
	if text != "" {
		parts = append(parts, gateway.FieldPart("text_input", text))
	}
	for _, img := range images {
		parts = append(parts, gateway.FilePart("images", img.Filename, img.MimeType, img.Data))
	}
	if audio != nil {
		parts = append(parts, gateway.FilePart("audio", audio.Filename, audio.MimeType, audio.Data))
	}
	return gateway.RequestSpec{Path: "/multimodal/process-multimodal", Method: gateway.POST, Parts: parts}
}

func PostEvent(tripID string, ev Event) gateway.RequestSpec {
	return gateway.RequestSpec{Path: "/realtime/events/" + url.PathEscape(tripID), Method: gateway.POST, JSON: ev}
}

func TripHealth(tripID string) gateway.RequestSpec {
	return gateway.RequestSpec{Path: "/realtime/health/" + url.PathEscape(tripID), Method: gateway.GET}
}

// RealtimePath is the channel path template relative to the base address.
const RealtimePath = "/realtime/ws/{trip_id}"
