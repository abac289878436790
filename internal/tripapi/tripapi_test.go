package tripapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HsiangNianian/tripsync/internal/envelope"
	"github.com/HsiangNianian/tripsync/internal/gateway"
)

func TestCreatePlanBody(t *testing.T) {
	spec := CreatePlan(PlanRequest{Destination: "Paris", DurationDays: 6, Vibes: []string{"cultural"}})
	assert.Equal(t, "/travel/plan", spec.Path)
	assert.Equal(t, gateway.POST, spec.Method)

	b, err := json.Marshal(spec.JSON)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(b, &body))
	assert.Equal(t, "Paris", body["destination"])
	assert.Equal(t, float64(6), body["duration_days"])
	assert.Equal(t, map[string]any{"start": "flexible", "end": "flexible", "flexible": true}, body["dates"])
	assert.NotContains(t, body, "budget")
}

func TestPathsEscapeTripID(t *testing.T) {
	assert.Equal(t, "/travel/plan/a%2Fb", GetPlan("a/b").Path)
	assert.Equal(t, "/travel/plan/t1/replan", Replan(ReplanRequest{TripID: "t1"}).Path)
	assert.Equal(t, "/travel/plan/t1/updates", Updates("t1").Path)
	assert.Equal(t, "/travel/plan/t1/verify", VerifyFacts("t1", nil).Path)
	assert.Equal(t, "/travel/plan/t1/download", Download("t1").Path)
	assert.Equal(t, "/realtime/events/t1", PostEvent("t1", Event{Type: "weather"}).Path)
	assert.Equal(t, "/realtime/health/t%201", TripHealth("t 1").Path)
}

func TestQueryBuilders(t *testing.T) {
	assert.Nil(t, QuickStart("").Query)
	assert.Equal(t, map[string]string{"location": "Lisbon"}, QuickStart("Lisbon").Query)
	assert.Equal(t, map[string]string{"budget": "1500.5", "days": "3"}, SurpriseMe(1500.5, 3).Query)
	assert.Empty(t, SurpriseMe(0, 0).Query)
	assert.Equal(t, map[string]string{"user_email": "me@example.com"}, Book("t1", nil, "me@example.com").Query)
}

func TestMultimodalParts(t *testing.T) {
	spec := AnalyzeMoodboard([]Upload{
		{Filename: "a.jpg", MimeType: "image/jpeg", Data: []byte("a")},
		{Filename: "b.jpg", MimeType: "image/jpeg", Data: []byte("b")},
	}, "sunsets")
	require.Len(t, spec.Parts, 3)
	assert.Equal(t, "images", spec.Parts[0].FieldName)
	assert.Equal(t, "a.jpg", spec.Parts[0].Filename)
	assert.Equal(t, "images", spec.Parts[1].FieldName)
	assert.Equal(t, "description", spec.Parts[2].FieldName)

	voice := TranscribeVoice(Upload{Filename: "v.m4a", MimeType: "audio/m4a", Data: []byte("x")}, "")
	require.Len(t, voice.Parts, 2)
	assert.Equal(t, "audio", voice.Parts[0].FieldName)
	lang, _ := io.ReadAll(voice.Parts[1].Content)
	assert.Equal(t, "en", string(lang))

	assert.Empty(t, ProcessMultimodal("", nil, nil).Parts)
	mixed := ProcessMultimodal("beach", []Upload{{Filename: "c.png", Data: []byte("c")}}, &Upload{Filename: "v.wav", Data: []byte("v")})
	require.Len(t, mixed.Parts, 3)
	assert.Equal(t, []string{"text_input", "images", "audio"},
		[]string{mixed.Parts[0].FieldName, mixed.Parts[1].FieldName, mixed.Parts[2].FieldName})
}

func TestBuildersThroughGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/travel/plan/t1/verify":
			var claims []string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&claims))
			_ = json.NewEncoder(w).Encode(map[string]any{"trip_id": "t1", "count": len(claims)})
		case "/api/v1/multimodal/transcribe-voice":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			_ = json.NewEncoder(w).Encode(map[string]any{"language": r.FormValue("language")})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"detail":"Plan not found"}`)
		}
	}))
	defer srv.Close()

	g, err := gateway.New(gateway.Options{BaseURL: srv.URL + "/api/v1"})
	require.NoError(t, err)

	env := g.Send(context.Background(), VerifyFacts("t1", []string{"Eiffel tower is 330m"}))
	require.True(t, env.OK)
	assert.JSONEq(t, `{"trip_id":"t1","count":1}`, string(env.Value))

	env = g.SendMultipart(context.Background(), TranscribeVoice(Upload{Filename: "v.wav", Data: []byte("RIFF")}, "fr"))
	require.True(t, env.OK, "failure: %v", env.Failure)
	assert.JSONEq(t, `{"language":"fr"}`, string(env.Value))

	env = g.Send(context.Background(), GetPlan("missing"))
	require.False(t, env.OK)
	assert.Equal(t, envelope.KindHTTP, env.Failure.Kind)
	assert.Equal(t, "Plan not found", env.Failure.Message)
	assert.Equal(t, 404, env.Failure.Code)
}
