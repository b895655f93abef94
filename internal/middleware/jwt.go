package middleware

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-grading-api/internal/utils"
)

// streamTokenQuery is accepted on push-channel routes only; EventSource
// clients cannot set an Authorization header.
const streamTokenQuery = "access_token"

var errMissingToken = errors.New("authorization header missing")

// JWTProtected validates HMAC-signed bearer tokens and exposes the subject
// as user_id and the role claim as user_role.
func JWTProtected(secret string) fiber.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(30*time.Second),
	)
	key := []byte(secret)

	return func(c *fiber.Ctx) error {
		raw, err := bearerToken(c)
		if err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, err.Error())
		}

		claims := jwt.MapClaims{}
		token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err != nil || !token.Valid {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		if userID, ok := claimUserID(claims); ok {
			c.Locals("user_id", userID)
		}
		if role := claimRole(claims); role != "" {
			c.Locals("user_role", role)
		}

		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) (string, error) {
	authorization := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if authorization == "" {
		if isStreamPath(c.Path()) {
			if token := strings.TrimSpace(c.Query(streamTokenQuery)); token != "" {
				return token, nil
			}
		}
		return "", errMissingToken
	}

	scheme, token, found := strings.Cut(authorization, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("invalid token")
	}
	return token, nil
}

func claimUserID(claims jwt.MapClaims) (uint, bool) {
	for _, key := range []string{"sub", "user_id", "id"} {
		value, ok := claims[key]
		if !ok {
			continue
		}
		if id, err := toUserID(value); err == nil {
			return id, true
		}
	}
	return 0, false
}

func toUserID(value interface{}) (uint, error) {
	switch v := value.(type) {
	case float64:
		if v < 0 || v != float64(uint(v)) {
			return 0, fmt.Errorf("invalid subject %v", v)
		}
		return uint(v), nil
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, err
		}
		return uint(parsed), nil
	default:
		return 0, fmt.Errorf("unsupported subject type %T", value)
	}
}

func claimRole(claims jwt.MapClaims) string {
	for _, key := range []string{"role", "roles"} {
		if role := normalizeRole(claims[key]); role != "" {
			return role
		}
	}
	return ""
}

// normalizeRole lower-cases a role claim or Locals value. For role lists the
// first non-empty entry wins.
func normalizeRole(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case []interface{}:
		for _, item := range v {
			if role := normalizeRole(item); role != "" {
				return role
			}
		}
	case []string:
		for _, item := range v {
			if role := normalizeRole(item); role != "" {
				return role
			}
		}
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	}
	return ""
}
