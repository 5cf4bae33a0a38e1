package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"ledgersync/internal/middleware"
	"ledgersync/internal/service"
	v1 "ledgersync/pkg/api/v1"
	"ledgersync/pkg/constraints"
	"ledgersync/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const clientBufferSize = 128

type StreamHandler struct {
	hub *service.Hub
}

func NewStreamHandler(hub *service.Hub) *StreamHandler {
	return &StreamHandler{hub: hub}
}

// Watch streams stats and result events as SSE. A client resuming with last_seq gets
// what it missed from the replay buffer, or a reset event when that is gone.
func (h *StreamHandler) Watch(c *gin.Context) {
	var lastSeq int64 = -1
	if s := c.Query("last_seq"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid last_seq"})
			return
		}
		lastSeq = v
	}

	client := &service.Client{
		Send:  make(chan v1.Message, clientBufferSize),
		Kinds: parseKinds(c.Query("kinds")),
	}
	if d := middleware.CurrentDevice(c); d != nil {
		client.DeviceID = d.DeviceID
	} else {
		client.DeviceID = service.GetOperator(c.Request.Context())
	}

	// register before replaying so nothing published in between is lost
	if !h.hub.Subscribe(c.Request.Context(), client) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream unavailable"})
		return
	}
	defer h.hub.Unsubscribe(client)

	logger.Info("stream client connected",
		zap.String("device_id", client.DeviceID),
		zap.Int64("last_seq", lastSeq),
		zap.String("ip", c.ClientIP()),
	)

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	maxSent := lastSeq
	if lastSeq >= 0 {
		missed, ok := h.hub.GetSince(lastSeq)
		if !ok {
			c.SSEvent(constraints.KindReset, gin.H{"reason": "last_seq_too_old"})
		}
		for _, msg := range missed {
			if !client.Wants(msg.Kind) {
				continue
			}
			c.SSEvent(msg.Kind, msg)
			maxSent = msg.Seq
		}
	}
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-client.Send:
			if !ok {
				return false
			}
			if msg.Kind == constraints.KindPing {
				c.SSEvent(constraints.KindPing, "pong")
				return true
			}
			// already delivered by the replay
			if msg.Seq <= maxSent {
				return true
			}
			c.SSEvent(msg.Kind, msg)
			maxSent = msg.Seq
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})

	logger.Info("stream client disconnected", zap.String("device_id", client.DeviceID))
}

func parseKinds(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	kinds := make(map[string]bool)
	for k := range strings.SplitSeq(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds[k] = true
		}
	}
	return kinds
}
