package handler

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/grants-approval-api/internal/middleware"
	"github.com/noah-isme/grants-approval-api/internal/models"
	appErrors "github.com/noah-isme/grants-approval-api/pkg/errors"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	return middleware.ClaimsFromContext(c)
}

func currentActor(c *gin.Context) (models.Identity, error) {
	claims := claimsFromContext(c)
	if claims == nil {
		return models.Identity{}, appErrors.ErrUnauthorized
	}
	return claims.Identity(), nil
}

func kindParam(c *gin.Context) (models.EntityKind, error) {
	kind, err := models.ParseEntityKind(c.Param("kind"))
	if err != nil {
		return "", appErrors.Clone(appErrors.ErrUnknownApprovalType, fmt.Sprintf("unknown entity kind %q", c.Param("kind")))
	}
	return kind, nil
}
