package dispatch

import (
	"net/http"

	apperrors "aikeyproxy/internal/errors"

	"github.com/gin-gonic/gin"
)

// ListCaches handles GET /api/v1/caches: handles owned by the
// authenticating credential (spec §6).
func (p *Pipeline) ListCaches(c *gin.Context) {
	credential, _ := c.Get("api_key")
	if p.Cache == nil {
		c.JSON(http.StatusOK, gin.H{"data": []interface{}{}})
		return
	}
	handles, err := p.Cache.ListByCredential(credential.(string))
	if err != nil {
		writeError(c, apperrors.New(http.StatusInternalServerError, "internal_error", "server_error", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": handles})
}

// DeleteCache handles DELETE /api/v1/caches/{id}: only the owning
// credential may delete its own handle.
func (p *Pipeline) DeleteCache(c *gin.Context) {
	credential, _ := c.Get("api_key")
	id := c.Param("id")
	if p.Cache == nil {
		writeError(c, apperrors.NewKind(apperrors.KindClientInput, http.StatusNotFound, "not_found", "invalid_request_error", "cache handle not found"))
		return
	}
	h, ok, err := p.Cache.Get(id)
	if err != nil {
		writeError(c, apperrors.New(http.StatusInternalServerError, "internal_error", "server_error", err.Error()))
		return
	}
	if !ok || h.Credential != credential.(string) {
		writeError(c, apperrors.NewKind(apperrors.KindClientInput, http.StatusNotFound, "not_found", "invalid_request_error", "cache handle not found"))
		return
	}
	if err := p.Cache.Delete(id); err != nil {
		writeError(c, apperrors.New(http.StatusInternalServerError, "internal_error", "server_error", err.Error()))
		return
	}
	c.Status(http.StatusNoContent)
}
