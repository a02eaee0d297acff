package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	usagedomain "github.com/smallbiznis/clawtrace/internal/usage/domain"
)

func hashClaimKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ClaimKeyRequired admits a request only when it presents the configured
// operator key. A device secret alone never changes a tier.
func (s *HostedServer) ClaimKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.claimKeyHash == "" {
			s.log.Warn("claim refused: no operator key configured")
			AbortWithError(c, ErrForbidden)
			return
		}

		presented := strings.TrimSpace(c.GetHeader(usagedomain.HeaderClaimKey))
		if presented == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(hashClaimKey(presented)), []byte(s.claimKeyHash)) != 1 {
			s.log.Warn("claim refused: bad operator key", zap.String("client_ip", c.ClientIP()))
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}
