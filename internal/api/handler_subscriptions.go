package api

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"meetup-location-backend/internal/model"
	"meetup-location-backend/internal/mw"
)

// caller resolves the user behind the request identity.
func (h *Handler) caller(c *gin.Context) (*model.User, bool) {
	user, err := h.store.GetUserByUsername(c.Request.Context(), mw.IdentityFrom(c))
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	return user, true
}

type putSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required,url"`
	P256DH   string `json:"p256dh" binding:"required"`
	Auth     string `json:"auth" binding:"required"`
}

// PutSubscription handles the creation or replacement of a subscription.
func (h *Handler) PutSubscription(c *gin.Context) {
	var req putSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, ok := h.caller(c)
	if !ok {
		return
	}

	subscription := model.PushSubscription{
		Endpoint: req.Endpoint,
		UserID:   user.ID,
		P256DH:   req.P256DH,
		Auth:     req.Auth,
	}
	if err := h.store.UpsertSubscription(c.Request.Context(), &subscription); err != nil {
		h.respondError(c, err)
		return
	}

	c.Status(http.StatusCreated)
}

type deleteSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// DeleteSubscription handles the deletion of one of the caller's subscriptions.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	var req deleteSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, ok := h.caller(c)
	if !ok {
		return
	}
	subs, err := h.store.UserSubscriptions(c.Request.Context(), user.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	owned := slices.ContainsFunc(subs, func(s model.PushSubscription) bool {
		return s.Endpoint == req.Endpoint
	})
	if !owned {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}

	if err := h.store.DeleteSubscription(c.Request.Context(), req.Endpoint); err != nil {
		h.respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// GetSubscription lists the endpoints the caller is subscribed with.
func (h *Handler) GetSubscription(c *gin.Context) {
	user, ok := h.caller(c)
	if !ok {
		return
	}

	subs, err := h.store.UserSubscriptions(c.Request.Context(), user.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	endpoints := make([]string, len(subs))
	for i, s := range subs {
		endpoints[i] = s.Endpoint
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": endpoints})
}
