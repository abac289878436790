package gateway

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/HsiangNianian/tripsync/internal/envelope"
)

type Method string

const (
	GET  Method = "GET"
	POST Method = "POST"
	PUT  Method = "PUT"
)

// RequestSpec is a read-only description of one call. JSON and Parts are
// mutually exclusive; both empty means no body. Part readers are consumed
// on send, so a multipart spec is single-use.
type RequestSpec struct {
	Path   string
	Method Method
	JSON   any
	Parts  []MultipartPart
	Query  map[string]string
	Header map[string]string
}

// MultipartPart is one form part. Parts sharing a FieldName are sent in
// slice order.
type MultipartPart struct {
	FieldName string
	Content   io.Reader
	Filename  string
	MimeType  string
}

// FilePart builds a part from in-memory bytes.
func FilePart(field, filename, mimeType string, data []byte) MultipartPart {
	return MultipartPart{FieldName: field, Filename: filename, MimeType: mimeType, Content: bytes.NewReader(data)}
}

// FieldPart builds a plain form value part.
func FieldPart(field, value string) MultipartPart {
	return MultipartPart{FieldName: field, Content: strings.NewReader(value)}
}

func (s RequestSpec) validate() *envelope.Failure {
	switch s.Method {
	case GET, POST, PUT:
	default:
		return invalid("unsupported method %q", s.Method)
	}
	if s.Path == "" {
		return invalid("path is required")
	}
	if !strings.HasPrefix(s.Path, "/") {
		return invalid("path %q must start with /", s.Path)
	}
	if s.JSON != nil && len(s.Parts) > 0 {
		return invalid("json body and multipart parts are mutually exclusive")
	}
	if s.Method == GET && (s.JSON != nil || len(s.Parts) > 0) {
		return invalid("GET requests carry no body")
	}
	for i, p := range s.Parts {
		if p.FieldName == "" {
			return invalid("part %d has no field name", i)
		}
		if p.Content == nil {
			return invalid("part %d (%s) has no content", i, p.FieldName)
		}
	}
	return nil
}

func invalid(format string, args ...any) *envelope.Failure {
	return envelope.NewFailure(envelope.KindValidation, 0, fmt.Sprintf(format, args...))
}
