// Package adminapi is the read-mostly HTTP introspection and control
// surface: plan/operator listings, health, and JWT-gated routes that
// mirror the UDP control protocol's verbs for operators who'd rather
// curl than run workshop-control.
//
// gin + slog-gin request logging, JWKS with an HS256 shared-secret
// fallback, and standard security headers. Jobs themselves never
// arrive through HTTP, only as direct database rows; this surface is
// strictly for operators.
package adminapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cm4all-oss/workshopd/internal/metrics"
	"github.com/cm4all-oss/workshopd/internal/requestid"
	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	sloggin "github.com/samber/slog-gin"
)

const errUnauthorized = "Unauthorized"

// RequestID injects a request ID into the context and response header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = requestid.New()
		}
		ctx := requestid.WithRequestID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// Security sets common HTTP security headers on every response.
func Security() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}

// Metrics records every admin API request's latency and outcome.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		method := c.Request.Method
		duration := time.Since(start).Seconds()

		metrics.AdminHTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		metrics.AdminHTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	}
}

// Auth validates a Bearer JWT. When jwksURL is non-empty the token is
// verified against that JWKS endpoint (RS256); otherwise hmacKey backs
// HS256 verification against the statically configured admin secret.
func Auth(jwksURL string, hmacKey []byte) gin.HandlerFunc {
	var cache *jwk.Cache
	if jwksURL != "" {
		c := jwk.NewCache(context.Background())
		if err := c.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
			panic("adminapi: jwk cache register: " + err.Error())
		}
		cache = c
	}

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}
		rawToken := strings.TrimPrefix(header, "Bearer ")

		var (
			tok jwt.Token
			err error
		)
		if cache != nil {
			keySet, fetchErr := cache.Get(c.Request.Context(), jwksURL)
			if fetchErr != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
				return
			}
			tok, err = jwt.Parse([]byte(rawToken), jwt.WithKeySet(keySet), jwt.WithValidate(true))
		} else {
			tok, err = jwt.Parse([]byte(rawToken), jwt.WithKey(jwa.HS256, hmacKey), jwt.WithValidate(true))
		}
		if err != nil || tok == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		c.Set("subject", tok.Subject())
		c.Next()
	}
}

// newLogMiddleware adapts slog-gin to this package's logger convention.
func newLogMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return sloggin.New(logger.With("component", "adminapi"))
}
