package v2

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/wolfeidau/image-registry/auth"
	"github.com/wolfeidau/image-registry/telemetry"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

type catalogResponse struct {
	Repositories []string `json:"repositories"`
}

type tagListResponse struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

func (h *Handler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	telemetry.SetEndpoint(r, "v2.catalog")

	if r.Method != http.MethodGet {
		writeErrorStatus(w, http.StatusMethodNotAllowed, CodeUnsupported, "method not allowed", r.Method)
		return
	}

	claims, ok := h.verify(w, r, "registry:catalog:*")
	if !ok {
		return
	}
	if !claims.Allows("registry", "catalog", auth.ActionAll) {
		writeError(w, CodeDenied, "requested access to the resource is denied", "registry:catalog:*")
		return
	}

	n, last, ok := h.paginationParams(w, r)
	if !ok {
		return
	}

	// fetch one row past the page so an exactly-full final page does not
	// advertise a next page that would come back empty
	repos, err := h.db.ListRepositories(ctx, n+1, last, h.config.CatalogPublicOnly)
	if err != nil {
		h.logger.Error("listing repositories", "error", err)
		writeError(w, CodeUnknown, "internal error", nil)
		return
	}

	if len(repos) > n {
		repos = repos[:n]
		w.Header().Set("Link", nextLink("/v2/_catalog", n, repos[n-1]))
	}
	writeJSON(w, catalogResponse{Repositories: emptyNotNil(repos)})
}

func (h *Handler) handleTagsList(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()
	telemetry.SetEndpoint(r, "v2.tags")
	telemetry.SetRepository(r, name)

	if r.Method != http.MethodGet {
		writeErrorStatus(w, http.StatusMethodNotAllowed, CodeUnsupported, "method not allowed", r.Method)
		return
	}

	if _, ok := h.authorize(w, r, name, auth.ActionPull); !ok {
		return
	}
	if _, ok := h.loadRepoForRead(ctx, w, name); !ok {
		return
	}

	n, last, ok := h.paginationParams(w, r)
	if !ok {
		return
	}

	tags, err := h.db.ListTags(ctx, name, n+1, last)
	if err != nil {
		h.logger.Error("listing tags", "repository", name, "error", err)
		writeError(w, CodeUnknown, "internal error", nil)
		return
	}

	if len(tags) > n {
		tags = tags[:n]
		w.Header().Set("Link", nextLink("/v2/"+name+"/tags/list", n, tags[n-1]))
	}
	writeJSON(w, tagListResponse{Name: name, Tags: emptyNotNil(tags)})
}

// paginationParams reads the n and last query parameters, applying the
// configured default and the maximum page size.
func (h *Handler) paginationParams(w http.ResponseWriter, r *http.Request) (int, string, bool) {
	q := r.URL.Query()
	n := h.config.PageSize
	if n <= 0 {
		n = defaultPageSize
	}
	if raw := q.Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, CodeUnsupported, "invalid page size", raw)
			return 0, "", false
		}
		n = min(parsed, maxPageSize)
	}
	return n, q.Get("last"), true
}

// nextLink builds the RFC 5988 pagination header for the next page.
func nextLink(path string, n int, last string) string {
	v := url.Values{}
	v.Set("n", strconv.Itoa(n))
	v.Set("last", last)
	return fmt.Sprintf(`<%s?%s>; rel="next"`, path, v.Encode())
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

// emptyNotNil keeps empty listings rendering as [] rather than null.
func emptyNotNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
