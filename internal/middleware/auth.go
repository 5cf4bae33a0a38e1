package middleware

import (
	"net/http"

	"ledgersync/internal/model"
	"ledgersync/internal/repository"
	"ledgersync/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	DeviceKeyHeader = "X-Device-Key"
	deviceCtxKey    = "device"
)

// DeviceAuthMiddleware admits registered terminals by their API key.
func DeviceAuthMiddleware(devices repository.DeviceInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(DeviceKeyHeader)
		if apiKey == "" {
			apiKey = c.Query("key")
		}
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing device key"})
			return
		}

		device, err := devices.FindByAPIKey(c.Request.Context(), apiKey)
		if err != nil {
			logger.Error("device lookup failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "device lookup failed"})
			return
		}
		if device == nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		c.Set(deviceCtxKey, device)
		c.Next()
	}
}

// CurrentDevice returns the terminal admitted by DeviceAuthMiddleware.
func CurrentDevice(c *gin.Context) *model.Device {
	v, ok := c.Get(deviceCtxKey)
	if !ok {
		return nil
	}
	device, _ := v.(*model.Device)
	return device
}
