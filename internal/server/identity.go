package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ResolveIdentity ensures the account has a provider customer mapping and
// returns it. Safe to call repeatedly; resolution is idempotent.
func (s *Server) ResolveIdentity(c *gin.Context) {
	id, ok := s.accountID(c)
	if !ok {
		return
	}

	customerID, err := s.identitySvc.Resolve(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.entitlements.Delete(id)
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"account_id":           id.String(),
		"external_customer_id": customerID,
	}})
}
