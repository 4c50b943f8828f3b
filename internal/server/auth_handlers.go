package server

import (
	"time"

	"whiteboard/internal/auth"
	"whiteboard/internal/middleware"
	"whiteboard/internal/models"
	"whiteboard/internal/service"
	"whiteboard/internal/validation"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const oauthStateCookie = "oauth_state"

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse is returned by every endpoint that signs a user in.
type AuthResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

// RegistrationPending is returned when a Google account has no user yet.
type RegistrationPending struct {
	RegistrationToken string `json:"registration_token"`
	NeedsUsername     bool   `json:"needs_username"`
}

func (s *Server) signIn(c *fiber.Ctx, status int, user *models.User) error {
	token, session, err := s.tokens.IssueSession(user.ID, user.Username)
	if err != nil {
		return respondError(c, models.NewInternalError(err))
	}
	s.setSessionCookie(c, token, session.ExpiresAt)
	return c.Status(status).JSON(AuthResponse{Token: token, User: user})
}

// Signup handles POST /api/auth/signup for local accounts.
func (s *Server) Signup(c *fiber.Ctx) error {
	var req credentialsRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}
	if err := validation.ValidateUsername(req.Username); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError(err.Error()))
	}
	if err := validation.ValidatePassword(req.Password); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError(err.Error()))
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		return respondError(c, models.NewInternalError(err))
	}

	user, err := s.userService.Register(c.UserContext(), service.RegisterInput{
		Username:             req.Username,
		ExternalIdentityHash: s.identities.Hash(auth.ProviderLocal, uuid.NewString()),
		PasswordHash:         hashed,
	})
	if err != nil {
		return respondError(c, err)
	}
	return s.signIn(c, fiber.StatusCreated, user)
}

// Login handles POST /api/auth/login.
func (s *Server) Login(c *fiber.Ctx) error {
	var req credentialsRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}
	if req.Username == "" || req.Password == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Username and password are required"))
	}

	user, err := s.userService.Authenticate(c.UserContext(), req.Username, req.Password)
	if err != nil {
		return respondError(c, err)
	}
	return s.signIn(c, fiber.StatusOK, user)
}

// Logout handles POST /api/auth/logout. The token stays revoked until it
// would have expired.
func (s *Server) Logout(c *fiber.Ctx) error {
	session, _ := c.Locals("session").(auth.Session)
	if err := s.revocations.Revoke(c.UserContext(), session.JTI, session.ExpiresAt); err != nil {
		middleware.Logger.WarnContext(c.UserContext(), "failed to revoke token", "error", err)
	}
	s.clearCookie(c, SessionCookie)
	return c.JSON(fiber.Map{"message": "Logged out"})
}

// GoogleLogin handles GET /api/auth/google.
func (s *Server) GoogleLogin(c *fiber.Ctx) error {
	if s.google == nil {
		return models.RespondWithError(c, fiber.StatusNotFound,
			models.NewNotFoundError("Sign-in provider", auth.ProviderGoogle))
	}
	state := uuid.NewString()
	c.Cookie(&fiber.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/api/auth",
		Expires:  time.Now().Add(10 * time.Minute),
		HTTPOnly: true,
		Secure:   s.config.IsProduction(),
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return c.Redirect(s.google.AuthCodeURL(state), fiber.StatusFound)
}

// GoogleCallback handles GET /api/auth/google/callback. Known identities get
// a session; new ones get a registration token to pick a username with.
func (s *Server) GoogleCallback(c *fiber.Ctx) error {
	if s.google == nil {
		return models.RespondWithError(c, fiber.StatusNotFound,
			models.NewNotFoundError("Sign-in provider", auth.ProviderGoogle))
	}
	state := c.Query("state")
	if state == "" || state != c.Cookies(oauthStateCookie) {
		return models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Invalid OAuth state"))
	}
	s.clearCookie(c, oauthStateCookie)

	code := c.Query("code")
	if code == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Missing authorization code"))
	}

	ctx := c.UserContext()
	subject, err := s.google.Exchange(ctx, code)
	if err != nil {
		middleware.Logger.WarnContext(ctx, "google exchange failed", "error", err)
		return models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Google sign-in failed"))
	}

	identity := s.identities.Hash(auth.ProviderGoogle, subject)
	user, err := s.userService.GetByExternalIdentity(ctx, identity)
	if err == nil {
		return s.signIn(c, fiber.StatusOK, user)
	}
	if !models.IsCode(err, models.CodeNotFound) {
		return respondError(c, err)
	}

	token, err := s.tokens.IssueRegistration(identity)
	if err != nil {
		return respondError(c, models.NewInternalError(err))
	}
	return c.JSON(RegistrationPending{RegistrationToken: token, NeedsUsername: true})
}

// RegisterUsername handles POST /api/auth/register-username, completing a
// Google sign-up.
func (s *Server) RegisterUsername(c *fiber.Ctx) error {
	var req struct {
		RegistrationToken string `json:"registration_token"`
		Username          string `json:"username"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	identity, err := s.tokens.ParseRegistration(req.RegistrationToken)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Invalid or expired registration token"))
	}

	user, err := s.userService.Register(c.UserContext(), service.RegisterInput{
		Username:             req.Username,
		ExternalIdentityHash: identity,
	})
	if err != nil {
		return respondError(c, err)
	}
	return s.signIn(c, fiber.StatusCreated, user)
}
