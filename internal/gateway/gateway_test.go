package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HsiangNianian/tripsync/internal/envelope"
	"github.com/HsiangNianian/tripsync/internal/metrics"
)

func newTestGateway(t *testing.T, h http.Handler) (*Gateway, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	logger, _ := test.NewNullLogger()
	g, err := New(Options{BaseURL: srv.URL + "/api/v1/", Logger: logger})
	require.NoError(t, err)
	return g, srv
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestSendCreatePlan(t *testing.T) {
	var gotBody map[string]any
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/travel/plan", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeJSON(w, http.StatusOK, `{"trip_id":"abc123"}`)
	}))

	env := g.Send(context.Background(), RequestSpec{
		Path:   "/travel/plan",
		Method: POST,
		JSON:   map[string]any{"destination": "Paris", "duration_days": 6},
	})

	require.True(t, env.OK)
	assert.Nil(t, env.Failure)
	assert.JSONEq(t, `{"trip_id":"abc123"}`, string(env.Value))
	assert.Equal(t, "Paris", gotBody["destination"])
	assert.Equal(t, float64(6), gotBody["duration_days"])
}

func TestSendServerErrorWithMessage(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{"message":"overloaded"}`)
	}))

	env := g.Send(context.Background(), RequestSpec{Path: "/travel/plan", Method: POST, JSON: map[string]any{}})

	require.False(t, env.OK)
	assert.Nil(t, env.Value)
	assert.Equal(t, envelope.KindHTTP, env.Failure.Kind)
	assert.Equal(t, "overloaded", env.Failure.Message)
	assert.Equal(t, 500, env.Failure.Code)
}

func TestSendErrorBodyCode(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"integer code", `{"message":"quota exceeded","code":4291}`, 4291},
		{"string code", `{"message":"quota exceeded","code":"QUOTA"}`, http.StatusTooManyRequests},
		{"zero code", `{"message":"quota exceeded","code":0}`, http.StatusTooManyRequests},
		{"fractional code", `{"message":"quota exceeded","code":1.5}`, http.StatusTooManyRequests},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusTooManyRequests, tc.body)
			}))

			env := g.Send(context.Background(), RequestSpec{Path: "/travel/plan", Method: GET})
			require.False(t, env.OK)
			assert.Equal(t, envelope.KindHTTP, env.Failure.Kind)
			assert.Equal(t, "quota exceeded", env.Failure.Message)
			assert.Equal(t, tc.wantCode, env.Failure.Code)
		})
	}
}

func TestSendNon2xxVariants(t *testing.T) {
	cases := []struct {
		name        string
		status      int
		contentType string
		body        string
		wantMessage string
	}{
		{"fastapi detail", 404, "application/json", `{"detail":"Plan not found"}`, "Plan not found"},
		{"plain text body", 502, "text/plain", "bad gateway from proxy", "502 Bad Gateway"},
		{"empty body", 503, "", "", "503 Service Unavailable"},
		{"json array body", 400, "application/json", `[1,2]`, "400 Bad Request"},
		{"redirect-range status", 304, "", "", "304 Not Modified"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tc.contentType != "" {
					w.Header().Set("Content-Type", tc.contentType)
				}
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))

			env := g.Send(context.Background(), RequestSpec{Path: "/travel/plan/x", Method: GET})

			require.False(t, env.OK)
			assert.Contains(t, []envelope.Kind{envelope.KindHTTP, envelope.KindDecode}, env.Failure.Kind)
			assert.Equal(t, tc.status, env.Failure.Code)
			assert.Equal(t, tc.wantMessage, env.Failure.Message)
		})
	}
}

func TestSendEmptySuccessBody(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	env := g.Send(context.Background(), RequestSpec{Path: "/realtime/events/t1", Method: POST, JSON: map[string]string{"type": "weather"}})
	require.True(t, env.OK)
	assert.Nil(t, env.Value)
}

func TestSendDecodeFailures(t *testing.T) {
	t.Run("non-json content type", func(t *testing.T) {
		g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/zip")
			_, _ = w.Write([]byte("PK\x03\x04"))
		}))
		env := g.Send(context.Background(), RequestSpec{Path: "/travel/plan/t1/download", Method: GET})
		require.False(t, env.OK)
		assert.Equal(t, envelope.KindDecode, env.Failure.Kind)
	})

	t.Run("malformed json", func(t *testing.T) {
		g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, `{"trip_id":`)
		}))
		env := g.Send(context.Background(), RequestSpec{Path: "/travel/plan", Method: POST, JSON: map[string]any{}})
		require.False(t, env.OK)
		assert.Equal(t, envelope.KindDecode, env.Failure.Kind)
	})

	t.Run("problem+json is accepted", func(t *testing.T) {
		g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/problem+json; charset=utf-8")
			_, _ = io.WriteString(w, `{"ok":true}`)
		}))
		env := g.Send(context.Background(), RequestSpec{Path: "/x", Method: GET})
		require.True(t, env.OK)
	})
}

func TestFetchReturnsRawBytes(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write([]byte("zipdata"))
	}))
	env := g.Fetch(context.Background(), RequestSpec{Path: "/travel/plan/t1/download", Method: GET})
	require.True(t, env.OK)
	assert.Equal(t, []byte("zipdata"), env.Value)
}

func TestSendNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	g, err := New(Options{BaseURL: base})
	require.NoError(t, err)

	env := g.Send(context.Background(), RequestSpec{Path: "/travel/plan", Method: POST, JSON: map[string]any{}})
	require.False(t, env.OK)
	assert.Equal(t, envelope.KindNetwork, env.Failure.Kind)
	assert.Equal(t, 0, env.Failure.Code)
	assert.NotEmpty(t, env.Failure.Message)
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	g, err := New(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	env := g.Send(context.Background(), RequestSpec{Path: "/slow", Method: GET})
	require.False(t, env.OK)
	assert.Equal(t, envelope.KindNetwork, env.Failure.Kind)
	assert.Equal(t, 0, env.Failure.Code)
}

func TestValidationFailsBeforeIO(t *testing.T) {
	var hits int
	var mu sync.Mutex
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))

	specs := []RequestSpec{
		{Path: "/x", Method: "DELETE"},
		{Path: "", Method: GET},
		{Path: "relative", Method: GET},
		{Path: "/x", Method: POST, JSON: map[string]any{}, Parts: []MultipartPart{FieldPart("a", "b")}},
		{Path: "/x", Method: GET, JSON: map[string]any{}},
		{Path: "/x", Method: POST, Parts: []MultipartPart{{FieldName: "", Content: strings.NewReader("x")}}},
		{Path: "/x", Method: POST, Parts: []MultipartPart{{FieldName: "audio"}}},
		{Path: "/x", Method: POST, JSON: map[string]any{"bad": make(chan int)}},
	}
	for _, spec := range specs {
		env := g.Send(context.Background(), spec)
		require.False(t, env.OK, "spec %+v", spec)
		assert.Equal(t, envelope.KindValidation, env.Failure.Kind)
	}

	env := g.SendMultipart(context.Background(), RequestSpec{Path: "/x", Method: POST})
	require.False(t, env.OK)
	assert.Equal(t, envelope.KindValidation, env.Failure.Kind)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, hits)
}

func TestSendMultipartPreservesOrder(t *testing.T) {
	type seenPart struct {
		field, filename, contentType, content string
	}
	var seen []seenPart
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mr, err := r.MultipartReader()
		require.NoError(t, err)
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			b, _ := io.ReadAll(p)
			seen = append(seen, seenPart{p.FormName(), p.FileName(), p.Header.Get("Content-Type"), string(b)})
		}
		writeJSON(w, http.StatusOK, `{"confidence_score":0.8}`)
	}))

	env := g.SendMultipart(context.Background(), RequestSpec{
		Path:   "/multimodal/analyze-moodboard",
		Method: POST,
		Parts: []MultipartPart{
			FilePart("images", "one.jpg", "image/jpeg", []byte("first")),
			FieldPart("description", "beach vibes"),
			FilePart("images", "two.png", "image/png", []byte("second")),
			FilePart("images", "three.bin", "", []byte("third")),
		},
	})

	require.True(t, env.OK, "failure: %v", env.Failure)
	require.Len(t, seen, 4)
	assert.Equal(t, seenPart{"images", "one.jpg", "image/jpeg", "first"}, seen[0])
	assert.Equal(t, seenPart{"description", "", "", "beach vibes"}, seen[1])
	assert.Equal(t, seenPart{"images", "two.png", "image/png", "second"}, seen[2])
	assert.Equal(t, seenPart{"images", "three.bin", "application/octet-stream", "third"}, seen[3])
}

func TestHeadersAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "override", r.Header.Get("User-Agent"))
		assert.Equal(t, "5", r.URL.Query().Get("days"))
		assert.Equal(t, "1500", r.URL.Query().Get("budget"))
		writeJSON(w, http.StatusOK, `{}`)
	}))
	defer srv.Close()

	g, err := New(Options{BaseURL: srv.URL, Headers: map[string]string{"Authorization": "Bearer secret"}})
	require.NoError(t, err)

	env := g.Send(context.Background(), RequestSpec{
		Path:   "/travel/surprise-me",
		Method: POST,
		Query:  map[string]string{"days": "5", "budget": "1500"},
		Header: map[string]string{"User-Agent": "override"},
	})
	require.True(t, env.OK, "failure: %v", env.Failure)
}

func TestConcurrentCallsAreIndependent(t *testing.T) {
	g, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"path":"`+r.URL.Path+`"}`)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := "/travel/plan/" + string(rune('a'+i))
			env := g.Send(context.Background(), RequestSpec{Path: path, Method: GET})
			assert.True(t, env.OK)
			assert.JSONEq(t, `{"path":"/api/v1`+path+`"}`, string(env.Value))
		}(i)
	}
	wg.Wait()
}

func TestMetricsRecordOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			writeJSON(w, http.StatusInternalServerError, `{"message":"overloaded"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{}`)
	}))
	defer srv.Close()

	m := metrics.New(prometheus.NewRegistry())
	g, err := New(Options{BaseURL: srv.URL, Metrics: m})
	require.NoError(t, err)

	g.Send(context.Background(), RequestSpec{Path: "/ok", Method: GET})
	g.Send(context.Background(), RequestSpec{Path: "/fail", Method: GET})
	g.Send(context.Background(), RequestSpec{Path: "", Method: GET})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests().WithLabelValues("GET", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests().WithLabelValues("GET", "http")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests().WithLabelValues("GET", "validation")))
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New(Options{BaseURL: "not a url"})
	assert.Error(t, err)
	_, err = New(Options{})
	assert.Error(t, err)
}
