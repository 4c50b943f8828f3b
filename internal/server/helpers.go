package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"whiteboard/internal/auth"
	"whiteboard/internal/middleware"
	"whiteboard/internal/models"

	"github.com/gofiber/fiber/v2"
)

// errResponseWritten is a sentinel indicating the HTTP response was already
// committed by a helper. Handlers must return nil (not this error) to avoid
// Fiber's ErrorHandler overwriting the response.
var errResponseWritten = errors.New("response already written")

// SessionCookie carries the session token for browser clients.
const SessionCookie = "session"

// localFormLayout is what an HTML datetime-local input submits.
const localFormLayout = "2006-01-02T15:04"

// parseID extracts a route parameter by name as a positive uint.
// On failure it writes a 400 JSON response and returns errResponseWritten.
func (s *Server) parseID(c *fiber.Ctx, param string) (uint, error) {
	id, err := c.ParamsInt(param)
	if err != nil || id <= 0 {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid "+strings.ToUpper(param)))
		return 0, errResponseWritten
	}
	return uint(id), nil
}

// respondError writes err with the status its code maps to. Internal errors
// are logged with their cause.
func respondError(c *fiber.Ctx, err error) error {
	status := models.StatusFor(err)
	if status == fiber.StatusInternalServerError {
		middleware.Logger.ErrorContext(c.UserContext(), "request failed",
			"path", c.Path(), "error", err)
	}
	return models.RespondWithError(c, status, err)
}

// parseDeleteAt reads a requested deletion time: RFC 3339, or the
// datetime-local form value interpreted as UTC. Empty means none.
func parseDeleteAt(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.ParseInLocation(localFormLayout, raw, time.UTC)
	if err != nil {
		return nil, models.NewValidationError("delete_at must be RFC 3339 or YYYY-MM-DDTHH:MM")
	}
	return &t, nil
}

func bearerToken(c *fiber.Ctx) string {
	header := c.Get(fiber.HeaderAuthorization)
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// resolveSession finds the session of the request from the bearer header or
// the session cookie.
func (s *Server) resolveSession(c *fiber.Ctx) (auth.Session, error) {
	token := bearerToken(c)
	if token == "" {
		token = c.Cookies(SessionCookie)
	}
	if token == "" {
		return auth.Session{}, models.NewUnauthorizedError("Authentication required")
	}

	session, err := s.tokens.ParseSession(token)
	if err != nil {
		return auth.Session{}, models.NewUnauthorizedError("Invalid or expired token")
	}
	if s.revocations.Revoked(c.UserContext(), session.JTI) {
		return auth.Session{}, models.NewUnauthorizedError("Token has been revoked")
	}
	return session, nil
}

// AuthRequired rejects requests without a valid session and stores the user
// id in locals and in the user context.
func (s *Server) AuthRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		session, err := s.resolveSession(c)
		if err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized, err)
		}

		c.Locals("userID", session.UserID)
		c.Locals("session", session)
		ctx := context.WithValue(c.UserContext(), middleware.UserIDKey, session.UserID)
		c.SetUserContext(ctx)

		return c.Next()
	}
}

// optionalUserID returns the current user when the request carries a valid
// session, without enforcing one.
func (s *Server) optionalUserID(c *fiber.Ctx) (uint, bool) {
	if id, ok := c.Locals("userID").(uint); ok {
		return id, true
	}
	session, err := s.resolveSession(c)
	if err != nil {
		return 0, false
	}
	return session.UserID, true
}

func (s *Server) setSessionCookie(c *fiber.Ctx, token string, expires time.Time) {
	c.Cookie(&fiber.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HTTPOnly: true,
		Secure:   s.config.IsProduction(),
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

func (s *Server) clearCookie(c *fiber.Ctx, name string) {
	c.Cookie(&fiber.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HTTPOnly: true,
		Secure:   s.config.IsProduction(),
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}
