// Package gateway executes HTTP calls against the planning backend and
// folds every outcome into an envelope. It never retries.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/HsiangNianian/tripsync/internal/envelope"
	"github.com/HsiangNianian/tripsync/internal/logging"
	"github.com/HsiangNianian/tripsync/internal/metrics"
)

const defaultTimeout = 30 * time.Second

// Options configures a Gateway. Only BaseURL is required.
type Options struct {
	BaseURL    string
	Headers    map[string]string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
	Metrics    *metrics.Metrics
}

// Gateway holds configuration only, so concurrent calls are independent.
type Gateway struct {
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
	log        logrus.FieldLogger
	metrics    *metrics.Metrics
}

func New(opts Options) (*Gateway, error) {
	base := strings.TrimSuffix(strings.TrimSpace(opts.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	headers := map[string]string{
		"Accept":     "application/json",
		"User-Agent": "tripsync/1.0",
	}
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &Gateway{
		baseURL:    base,
		headers:    headers,
		httpClient: httpClient,
		log:        logging.OrDefault(opts.Logger),
		metrics:    opts.Metrics,
	}, nil
}

// BaseURL returns the configured base address without trailing slash.
func (g *Gateway) BaseURL() string { return g.baseURL }

// Send executes spec, encoding the body as JSON or multipart according to
// which of JSON and Parts is set.
func (g *Gateway) Send(ctx context.Context, spec RequestSpec) envelope.Envelope[json.RawMessage] {
	raw, contentType, f := g.exchange(ctx, spec)
	if f != nil {
		return envelope.Fail[json.RawMessage](f)
	}
	return decodeJSON(raw, contentType)
}

// SendMultipart is Send for specs that must carry at least one part.
func (g *Gateway) SendMultipart(ctx context.Context, spec RequestSpec) envelope.Envelope[json.RawMessage] {
	if len(spec.Parts) == 0 {
		return envelope.Fail[json.RawMessage](invalid("multipart request needs at least one part"))
	}
	return g.Send(ctx, spec)
}

// Fetch returns the raw 2xx body regardless of its content type, for
// binary downloads. Failures are mapped exactly as in Send.
func (g *Gateway) Fetch(ctx context.Context, spec RequestSpec) envelope.Envelope[[]byte] {
	raw, _, f := g.exchange(ctx, spec)
	if f != nil {
		return envelope.Fail[[]byte](f)
	}
	return envelope.Success(raw)
}

func (g *Gateway) exchange(ctx context.Context, spec RequestSpec) ([]byte, string, *envelope.Failure) {
	if f := spec.validate(); f != nil {
		g.log.WithFields(logrus.Fields{"method": spec.Method, "path": spec.Path}).Warnf("reject request: %s", f.Message)
		g.metrics.ObserveRequest(string(spec.Method), string(f.Kind), 0)
		return nil, "", f
	}

	start := time.Now()
	raw, contentType, status, f := g.do(ctx, spec)
	elapsed := time.Since(start)

	fields := logrus.Fields{"method": spec.Method, "path": spec.Path, "status": status, "elapsed": elapsed}
	if f != nil {
		fields["kind"] = f.Kind
		g.log.WithFields(fields).Warnf("request failed: %s", f.Message)
		g.metrics.ObserveRequest(string(spec.Method), string(f.Kind), elapsed)
		return nil, "", f
	}
	g.log.WithFields(fields).Debug("request done")
	g.metrics.ObserveRequest(string(spec.Method), "ok", elapsed)
	return raw, contentType, nil
}

func (g *Gateway) do(ctx context.Context, spec RequestSpec) ([]byte, string, int, *envelope.Failure) {
	body, contentType, err := encodeBody(spec)
	if err != nil {
		return nil, "", 0, envelope.NewFailure(envelope.KindValidation, 0, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, string(spec.Method), g.endpoint(spec), body)
	if err != nil {
		return nil, "", 0, envelope.NewFailure(envelope.KindValidation, 0, err.Error())
	}
	for k, v := range g.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range spec.Header {
		req.Header.Set(k, v)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, "", 0, envelope.NewFailure(envelope.KindNetwork, 0, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", resp.StatusCode, envelope.NewFailure(envelope.KindNetwork, 0, err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", resp.StatusCode, statusFailure(resp, raw)
	}
	return raw, resp.Header.Get("Content-Type"), resp.StatusCode, nil
}

func (g *Gateway) endpoint(spec RequestSpec) string {
	u := g.baseURL + spec.Path
	if len(spec.Query) == 0 {
		return u
	}
	q := url.Values{}
	for k, v := range spec.Query {
		q.Set(k, v)
	}
	sep := "?"
	if strings.Contains(spec.Path, "?") {
		sep = "&"
	}
	return u + sep + q.Encode()
}

func encodeBody(spec RequestSpec) (io.Reader, string, error) {
	switch {
	case len(spec.Parts) > 0:
		return encodeMultipart(spec.Parts)
	case spec.JSON != nil:
		b, err := json.Marshal(spec.JSON)
		if err != nil {
			return nil, "", fmt.Errorf("encode json body: %w", err)
		}
		return bytes.NewReader(b), "application/json", nil
	default:
		return nil, "", nil
	}
}

func encodeMultipart(parts []MultipartPart) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		disposition := fmt.Sprintf(`form-data; name="%s"`, escapeQuotes(p.FieldName))
		if p.Filename != "" {
			disposition += fmt.Sprintf(`; filename="%s"`, escapeQuotes(p.Filename))
		}
		h.Set("Content-Disposition", disposition)
		switch {
		case p.MimeType != "":
			h.Set("Content-Type", p.MimeType)
		case p.Filename != "":
			h.Set("Content-Type", "application/octet-stream")
		}

		pw, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("create part %s: %w", p.FieldName, err)
		}
		if _, err := io.Copy(pw, p.Content); err != nil {
			return nil, "", fmt.Errorf("write part %s: %w", p.FieldName, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// statusFailure maps a non-2xx response. A JSON body contributes its
// message (FastAPI's "detail" and a plain "error" are accepted too) and a
// non-zero integer "code", which replaces the HTTP status. Any other body
// falls back to the status line and status code.
func statusFailure(resp *http.Response, raw []byte) *envelope.Failure {
	f := &envelope.Failure{Kind: envelope.KindHTTP, Code: resp.StatusCode, Message: resp.Status}
	if !gjson.ValidBytes(raw) {
		return f
	}
	body := gjson.ParseBytes(raw)
	if !body.IsObject() {
		return f
	}
	for _, key := range []string{"message", "detail", "error"} {
		if v := body.Get(key); v.Exists() && v.String() != "" {
			f.Message = v.String()
			break
		}
	}
	if v := body.Get("code"); v.Type == gjson.Number && v.Int() != 0 && float64(v.Int()) == v.Num {
		f.Code = int(v.Int())
	}
	var detail any
	if err := json.Unmarshal(raw, &detail); err == nil {
		f.Detail = detail
	}
	return f
}

func decodeJSON(raw []byte, contentType string) envelope.Envelope[json.RawMessage] {
	if len(bytes.TrimSpace(raw)) == 0 {
		return envelope.Success[json.RawMessage](nil)
	}
	if !isJSONContentType(contentType) {
		return envelope.Fail[json.RawMessage](&envelope.Failure{
			Kind:    envelope.KindDecode,
			Message: fmt.Sprintf("unexpected content type %q", contentType),
		})
	}
	if !json.Valid(raw) {
		return envelope.Fail[json.RawMessage](&envelope.Failure{
			Kind:    envelope.KindDecode,
			Message: "malformed json body",
			Detail:  string(raw),
		})
	}
	return envelope.Success(json.RawMessage(raw))
}

func isJSONContentType(ct string) bool {
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
