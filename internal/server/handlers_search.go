package server

import (
	"net/http"

	"github.com/refly-ai/refly/internal/ctxutil"
	"github.com/refly-ai/refly/internal/model"
)

// HandleSearch handles POST /search.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	if h.search == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"search not available (no index configured)")
		return
	}

	var req model.SearchRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDecodeError(w, r, err)
		return
	}

	hits, err := h.search.Search(r.Context(), ctxutil.UIDFromContext(r.Context()), req)
	if err != nil {
		h.writeSkillError(w, r, err, nil)
		return
	}
	if hits == nil {
		hits = []model.SearchHit{}
	}
	writeJSON(w, r, http.StatusOK, hits)
}
