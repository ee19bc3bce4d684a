package server

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

const claimsKey = "simloop_claims"

func recovery(log simlog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("Panic serving %s %s: %v\n%s", c.Request.Method, c.Request.URL.Path, r, debug.Stack())
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody("internal server error"))
			}
		}()
		c.Next()
	}
}

func requestLogger(log simlog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugf("%s %s -> %d (%s)", c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start).Truncate(time.Microsecond))
	}
}

func rateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody("rate limit exceeded"))
			return
		}
		c.Next()
	}
}

// jwtAuth accepts HS256 bearer tokens signed with secret. Websocket clients
// that cannot set headers may pass the token as access_token.
func jwtAuth(secret []byte, log simlog.Logger) gin.HandlerFunc {
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired()}
	keyFunc := func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return secret, nil
	}

	return func(c *gin.Context) {
		tokenStr := ""
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tokenStr = strings.TrimPrefix(h, "Bearer ")
		} else if q := c.Query("access_token"); q != "" {
			tokenStr = q
		}
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("missing or malformed Authorization header"))
			return
		}

		token, err := jwt.Parse(tokenStr, keyFunc, parserOpts...)
		if err != nil || !token.Valid {
			log.Debugf("JWT validation failed: %v", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("invalid or expired token"))
			return
		}
		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			c.Set(claimsKey, claims)
		}
		c.Next()
	}
}

// subject returns the authenticated token subject, or "anonymous".
func subject(c *gin.Context) string {
	if v, ok := c.Get(claimsKey); ok {
		if claims, ok := v.(jwt.MapClaims); ok {
			if sub, err := claims.GetSubject(); err == nil && sub != "" {
				return sub
			}
		}
	}
	return "anonymous"
}
