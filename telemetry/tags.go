// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// repositoryKey is the context key for propagating the repository to background goroutines.
	repositoryKey contextKey = "repository"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Endpoint   string
	Repository string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetEndpoint sets the endpoint type for logging and the per-endpoint
// detail metric.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetRepository sets the repository tag for logging.
func SetRepository(r *http.Request, repository string) {
	if tags := GetTags(r); tags != nil {
		tags.Repository = repository
	}
}

// RepositoryFromContext retrieves the repository from a context.
// It checks both background contexts (set by WithRepositoryContext) and
// request contexts (set by SetRepository via InjectTags).
func RepositoryFromContext(ctx context.Context) string {
	if repo, ok := ctx.Value(repositoryKey).(string); ok && repo != "" {
		return repo
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Repository
	}
	return ""
}

// WithRepositoryContext returns a context with the repository stored.
// Use this to propagate the repository into goroutines that outlive the
// request context.
func WithRepositoryContext(ctx context.Context, repository string) context.Context {
	return context.WithValue(ctx, repositoryKey, repository)
}
