package api

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"notify-relay/internal/model"
)

// subscribeRequest accepts {token, subscription:{...}} as well as the older
// flat shape with the subscription fields next to the token.
type subscribeRequest struct {
	Token        string          `json:"token"`
	Subscription json.RawMessage `json:"subscription"`
}

// normalize returns the posted subscription: the nested object when present,
// otherwise the whole body. The payload is kept as sent.
func (r subscribeRequest) normalize(body []byte) (model.Subscription, error) {
	raw := body
	if len(r.Subscription) > 0 && !bytes.Equal(r.Subscription, []byte("null")) {
		raw = r.Subscription
	}

	var sub model.Subscription
	if len(raw) == 0 {
		return sub, nil
	}
	err := json.Unmarshal(raw, &sub)
	return sub, err
}

// Subscribe associates a token with a browser push subscription.
func (h *Handler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	body, ok := bindJSON(c, &req)
	if !ok {
		return
	}
	sub, err := req.normalize(body)
	if err != nil {
		invalidJSON(c)
		return
	}

	tokens, err := h.registry.AddToken(c.Request.Context(), sub, req.Token)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Subscribed successfully",
		"tokens":  tokens,
	})
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Token    string `json:"token"`
}

// Unsubscribe removes one token from an endpoint, or the whole endpoint when
// no token is given.
func (h *Handler) Unsubscribe(c *gin.Context) {
	var req unsubscribeRequest
	if _, ok := bindJSON(c, &req); !ok {
		return
	}

	removed, remaining, err := h.registry.RemoveToken(c.Request.Context(), req.Endpoint, req.Token)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"success": true, "removed": removed}
	if req.Token != "" {
		resp["tokens"] = remaining
	}
	c.JSON(http.StatusOK, resp)
}

// GetSubscription returns the tokens bound to the URL-encoded endpoint in the
// path.
func (h *Handler) GetSubscription(c *gin.Context) {
	endpoint := strings.TrimPrefix(c.Param("endpoint"), "/")
	if endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Endpoint required"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tokens": h.registry.TokensFor(endpoint)})
}
