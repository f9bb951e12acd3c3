package httpserver

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// SubjectKey is the fiber.Ctx local holding the verified token subject.
const SubjectKey = "auth.subject"

// RequireBearer verifies an HS256 bearer token and stores its subject under
// SubjectKey. With an empty secret identity is assumed to be checked
// upstream and every request passes.
func RequireBearer(secret string) fiber.Handler {
	if secret == "" {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	key := []byte(secret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			return unauthorized(c, "missing bearer token")
		}

		claims := &jwt.RegisteredClaims{}
		token, err := parser.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (any, error) {
			return key, nil
		})
		if err != nil || !token.Valid {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return unauthorized(c, "token expired")
			}
			log.Debug("Rejected bearer token", zap.Error(err))
			return unauthorized(c, "invalid token")
		}
		if claims.Subject == "" {
			return unauthorized(c, "token has no subject")
		}
		c.Locals(SubjectKey, claims.Subject)
		return c.Next()
	}
}

// Subject returns the verified token subject, if any.
func Subject(c *fiber.Ctx) (string, bool) {
	sub, ok := c.Locals(SubjectKey).(string)
	return sub, ok && sub != ""
}

func unauthorized(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error":   "unauthorized",
		"message": msg,
	})
}
