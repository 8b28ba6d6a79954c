package otel

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Values of the error.type span attribute.
const (
	ErrorTypeNetwork    = "network"
	ErrorTypeHTTP       = "http"
	ErrorTypeParse      = "parse"
	ErrorTypeValidation = "validation"
	ErrorTypeStorage    = "storage"
	ErrorTypeAuth       = "auth"
)

// RecordError records err on span with its type and marks the span failed.
func RecordError(span trace.Span, err error, errorType string, transient bool) {
	span.RecordError(err, trace.WithAttributes(
		attribute.String("error.type", errorType),
		attribute.Bool("error.transient", transient),
	))
	span.SetStatus(codes.Error, err.Error())
}

// ClassifyStatus returns the error type and transience of a non-2xx answer
// from the Olho Vivo API or Loki. Rejected credentials are auth errors and
// never transient; throttling and server faults are worth another poll.
func ClassifyStatus(status int) (errorType string, transient bool) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorTypeAuth, false
	case status == http.StatusTooManyRequests || status >= 500:
		return ErrorTypeHTTP, true
	default:
		return ErrorTypeHTTP, false
	}
}

// RecordStatusError records err on span using ClassifyStatus(status).
func RecordStatusError(span trace.Span, err error, status int) {
	errorType, transient := ClassifyStatus(status)
	span.SetAttributes(attribute.Int("http.status_code", status))
	RecordError(span, err, errorType, transient)
}

// SetSpanOk sets the span status to Ok.
func SetSpanOk(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
