package handlers

import (
	"errors"

	"github.com/dimitrije/taskflow-api/internal/services"
	"github.com/dimitrije/taskflow-api/pkg/dto"
	"github.com/m1z23r/drift/pkg/drift"
	"github.com/sirupsen/logrus"
)

type AuthHandler struct {
	authService AuthServiceInterface
	log         *logrus.Entry
}

func NewAuthHandler(authService AuthServiceInterface, log *logrus.Entry) *AuthHandler {
	return &AuthHandler{authService: authService, log: log}
}

func (h *AuthHandler) Register(c *drift.Context) {
	var req dto.RegisterRequest
	if err := c.BindJSON(&req); err != nil {
		c.BadRequest("invalid request body")
		return
	}

	res, err := h.authService.Register(c.Request.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	_ = c.JSON(201, tokenResponse(res))
}

func (h *AuthHandler) Login(c *drift.Context) {
	var req dto.LoginRequest
	if err := c.BindJSON(&req); err != nil {
		c.BadRequest("invalid request body")
		return
	}

	if req.Email == "" || req.Password == "" {
		c.BadRequest("email and password are required")
		return
	}

	res, err := h.authService.Login(c.Request.Context(), req.Email, req.Password)
	if errors.Is(err, services.ErrInvalidCredentials) {
		c.Unauthorized("invalid email or password")
		return
	}
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	_ = c.JSON(200, tokenResponse(res))
}

func (h *AuthHandler) RefreshToken(c *drift.Context) {
	var req dto.RefreshTokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.BadRequest("invalid request body")
		return
	}

	if req.RefreshToken == "" {
		c.BadRequest("refresh_token is required")
		return
	}

	res, err := h.authService.Refresh(c.Request.Context(), req.RefreshToken)
	if errors.Is(err, services.ErrInvalidToken) {
		c.Unauthorized("refresh token not found or expired")
		return
	}
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	_ = c.JSON(200, tokenResponse(res))
}

// Logout ends the caller's session. The body may name the refresh token
// to revoke with it.
func (h *AuthHandler) Logout(c *drift.Context) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}

	var req dto.RefreshTokenRequest
	_ = c.BindJSON(&req)

	if err := h.authService.Logout(c.Request.Context(), sess, req.RefreshToken); err != nil {
		h.log.WithError(err).Error("failed to revoke token")
		c.InternalServerError("failed to revoke token")
		return
	}
	_ = c.JSON(200, map[string]string{"message": "logged out"})
}

func (h *AuthHandler) LogoutAll(c *drift.Context) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}

	if err := h.authService.LogoutAll(c.Request.Context(), sess); err != nil {
		h.log.WithError(err).Error("failed to revoke tokens")
		c.InternalServerError("failed to revoke tokens")
		return
	}
	_ = c.JSON(200, map[string]string{"message": "all sessions logged out"})
}

func tokenResponse(res *services.Result) dto.TokenResponse {
	resp := dto.TokenResponse{
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
		ExpiresIn:    res.Tokens.ExpiresIn,
	}
	if res.User != nil {
		u := userResponse(*res.User)
		resp.User = &u
	}
	return resp
}
