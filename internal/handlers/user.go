package handlers

import (
	"github.com/dimitrije/taskflow-api/internal/gateway"
	"github.com/dimitrije/taskflow-api/internal/models"
	"github.com/dimitrije/taskflow-api/pkg/dto"
	"github.com/m1z23r/drift/pkg/drift"
	"github.com/sirupsen/logrus"
)

type UserHandler struct {
	gateway GatewayInterface
	stagers StagerLookup
	log     *logrus.Entry
}

func NewUserHandler(gw GatewayInterface, stagers StagerLookup, log *logrus.Entry) *UserHandler {
	return &UserHandler{gateway: gw, stagers: stagers, log: log}
}

func (h *UserHandler) GetMe(c *drift.Context) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}

	user, err := h.gateway.Me(c.Request.Context(), sess)
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	_ = c.JSON(200, userResponse(user))
}

func (h *UserHandler) UpdateMe(c *drift.Context) {
	sess, ok := requireSession(c)
	if !ok {
		return
	}

	var req dto.UpdateUserRequest
	if err := c.BindJSON(&req); err != nil {
		c.BadRequest("invalid request body")
		return
	}

	if req.DisplayName == nil && req.AvatarURL == nil {
		c.BadRequest("nothing to update")
		return
	}

	ctx := optimistic(c, h.stagers, sess)
	user, err := h.gateway.UpdateProfile(ctx, sess, gateway.ProfilePatch{
		DisplayName: req.DisplayName,
		AvatarURL:   req.AvatarURL,
	})
	if err != nil {
		respondError(c, h.log, err, nil)
		return
	}
	_ = c.JSON(200, userResponse(user))
}

func userResponse(u models.User) dto.UserResponse {
	return dto.UserResponse{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}
}
