package http

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"anpr-edge/internal/config"
)

const defaultTokenTTL = 12 * time.Hour

// Auth issues and checks HS256 operator tokens. Without a configured secret
// every request is let through.
type Auth struct {
	secret   []byte
	user     string
	password string
	ttl      time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

func NewAuth(cfg config.HTTPConfig, log zerolog.Logger) *Auth {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Auth{
		secret:   []byte(cfg.JWTSecret),
		user:     cfg.OperatorUser,
		password: cfg.OperatorPassword,
		ttl:      ttl,
		now:      time.Now,
		log:      log.With().Str("component", "auth").Logger(),
	}
}

func (a *Auth) Enabled() bool {
	return len(a.secret) > 0
}

type tokenRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *Auth) IssueToken(c *gin.Context) {
	if !a.Enabled() || a.password == "" {
		c.JSON(http.StatusServiceUnavailable, errorResponse("operator login is not configured"))
		return
	}

	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(a.user)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(a.password)) == 1
	if !userOK || !passOK {
		a.log.Warn().Str("username", req.Username).Str("client_ip", c.ClientIP()).Msg("rejected operator login")
		c.JSON(http.StatusUnauthorized, errorResponse("invalid credentials"))
		return
	}

	now := a.now()
	expires := now.Add(a.ttl)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   req.Username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}).SignedString(a.secret)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to sign token")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}

	c.JSON(http.StatusOK, successResponse(tokenResponse{Token: token, ExpiresAt: expires.UTC()}))
}

// Middleware rejects requests without a valid bearer token.
func (a *Auth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("missing bearer token"))
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (interface{}, error) {
			return a.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(msg))
			return
		}

		c.Set("operator", claims.Subject)
		c.Next()
	}
}
