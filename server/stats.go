package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type tenantStats struct {
	Connections             int   `json:"connections"`
	CollectionSubscriptions int   `json:"collection_subscriptions"`
	ChannelSubscriptions    int   `json:"channel_subscriptions"`
	Documents               int64 `json:"documents"`
}

type statsResponse struct {
	Tenants map[string]tenantStats `json:"tenants"`
}

func (h *httpHandler) handleStats(c *gin.Context) {
	tenants := make(map[string]tenantStats)
	ensure := func(tenant string) tenantStats {
		return tenants[tenant]
	}

	for tenant, count := range h.registry.CountByTenant(func([]string) int { return 1 }) {
		stats := ensure(tenant)
		stats.Connections = count
		tenants[tenant] = stats
	}
	if h.collections != nil {
		for tenant, count := range h.collections.SubscriptionsByTenant() {
			stats := ensure(tenant)
			stats.CollectionSubscriptions = count
			tenants[tenant] = stats
		}
		documents, err := h.collections.DocumentCountsByTenant(c.Request.Context())
		if err != nil {
			h.logger.Error("failed to count documents", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed"})
			return
		}
		for tenant, count := range documents {
			stats := ensure(tenant)
			stats.Documents = count
			tenants[tenant] = stats
		}
	}
	if h.channels != nil {
		for tenant, count := range h.channels.SubscriptionsByTenant() {
			stats := ensure(tenant)
			stats.ChannelSubscriptions = count
			tenants[tenant] = stats
		}
	}

	c.JSON(http.StatusOK, statsResponse{Tenants: tenants})
}
