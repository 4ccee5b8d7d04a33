package riftproxy

import (
	"context"
	"net/http"
	"time"

	"github.com/google/martian"
	"github.com/google/uuid"
)

type contextKey string

const (
	// recordIDKey is the context key for the request's record id
	// (uuid.UUID). The same id is shared between the request and its
	// eventual response.
	recordIDKey contextKey = "RecordID"
	// metadataKey is the context key for per-exchange metadata (map[string]any).
	metadataKey contextKey = "Metadata"
	// shouldInterceptResponseKey is the context key for the flag (bool)
	// recording whether interception and response-side interception were
	// both enabled when the request arrived; the response modifier reads it
	// in place of the current response-side flag and still evaluates the
	// response rules.
	shouldInterceptResponseKey contextKey = "ShouldInterceptResponse"
	// requestTimeKey is the context key for the request timestamp (time.Time).
	requestTimeKey contextKey = "RequestTime"
	// responseTimeKey is the context key for the response timestamp (time.Time).
	responseTimeKey contextKey = "ResponseTime"
	// sessionKey is the context key for the martian session (*martian.Session),
	// used to hijack the client connection for the WebSocket relay.
	sessionKey contextKey = "Session"
)

func contextWithSession(req *http.Request, session *martian.Session) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), sessionKey, session))
}

func sessionFromContext(ctx context.Context) (*martian.Session, bool) {
	s, ok := ctx.Value(sessionKey).(*martian.Session)
	return s, ok
}

func contextWithRecordID(req *http.Request, id uuid.UUID) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), recordIDKey, id))
}

func recordIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(recordIDKey).(uuid.UUID)
	return id, ok
}

func contextWithMetadata(req *http.Request, metadata map[string]any) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), metadataKey, metadata))
}

func metadataFromContext(ctx context.Context) (map[string]any, bool) {
	m, ok := ctx.Value(metadataKey).(map[string]any)
	return m, ok
}

func contextWithShouldInterceptResponse(req *http.Request, should bool) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), shouldInterceptResponseKey, should))
}

func shouldInterceptResponseFromContext(ctx context.Context) (bool, bool) {
	v, ok := ctx.Value(shouldInterceptResponseKey).(bool)
	return v, ok
}

func contextWithRequestTime(req *http.Request, t time.Time) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), requestTimeKey, t))
}

func requestTimeFromContext(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(requestTimeKey).(time.Time)
	return t, ok
}

func contextWithResponseTime(req *http.Request, t time.Time) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), responseTimeKey, t))
}

func responseTimeFromContext(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(responseTimeKey).(time.Time)
	return t, ok
}

