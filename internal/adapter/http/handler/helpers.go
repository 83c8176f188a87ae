package handler

import (
	"marketplace-escrow/internal/adapter/http/middleware"
	"marketplace-escrow/internal/core/domain"
	"marketplace-escrow/pkg/apperror"
	"marketplace-escrow/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// principal writes a SEC_001 response when the caller is missing.
func principal(c *gin.Context) (domain.Principal, bool) {
	p, ok := middleware.GetPrincipal(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
	}
	return p, ok
}

// pathID parses the :id path parameter. An unparseable id is reported as
// not found for entity.
func pathID(c *gin.Context, entity string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.ErrNotFound(entity))
		return uuid.Nil, false
	}
	return id, true
}
