package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token shape issued by the identity service.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTMiddleware rejects requests without a valid token and stores user_id and
// role in locals.
func JWTMiddleware(secret string) fiber.Handler {
	return newMiddleware([]byte(secret), true)
}

// OptionalJWTMiddleware lets anonymous requests through. A token that is
// present must still be valid.
func OptionalJWTMiddleware(secret string) fiber.Handler {
	return newMiddleware([]byte(secret), false)
}

func newMiddleware(secret []byte, required bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := tokenFromRequest(c)
		if token == "" {
			if required {
				return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
			}
			return c.Next()
		}

		claims, err := parseClaims(token, secret)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}
		c.Locals("user_id", claims.UserID)
		c.Locals("role", claims.Role)
		return c.Next()
	}
}

func parseClaims(token string, secret []byte) (*Claims, error) {
	parsed, err := parseMiddlewareClaimsFn(token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

var parseMiddlewareClaimsFn = jwt.ParseWithClaims

// tokenFromRequest prefers the Authorization header and falls back to the
// access_token query parameter, which browsers need for websocket upgrades.
func tokenFromRequest(c *fiber.Ctx) string {
	if token := bearerFromHeader(c.Get(fiber.HeaderAuthorization)); token != "" {
		return token
	}
	return c.Query("access_token")
}

func bearerFromHeader(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
