package routes

import (
	"errors"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/guide-cache/internal/cache"
	"github.com/any-hub/guide-cache/internal/host"
)

// RegisterDiagnosticsRoutes 暴露 /-/worker 与 /-/caches 诊断接口，供运维查看当前
// 生效版本、客户端与缓存占用，并允许手动激活等待中的版本。
func RegisterDiagnosticsRoutes(app *fiber.App, h *host.Host, storage cache.Storage, logger *logrus.Logger) {
	if app == nil || h == nil || storage == nil {
		return
	}

	app.Get("/-/worker", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  h.Status(),
			"clients": h.Clients(),
		})
	})

	app.Post("/-/worker/skip-waiting", func(c fiber.Ctx) error {
		err := h.Promote(c.Context())
		switch {
		case err == nil:
			return c.JSON(fiber.Map{"status": h.Status()})
		case errors.Is(err, host.ErrNoWaiting):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_waiting_worker"})
		case errors.Is(err, host.ErrClosed):
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "host_closed"})
		default:
			if logger != nil {
				logger.WithField("action", "skip_waiting").WithError(err).Error("promote_failed")
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "activate_failed"})
		}
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		ctx := c.Context()
		names, err := storage.Keys(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
		}
		active := h.ActiveName()
		result := make([]cachePayload, 0, len(names))
		for _, name := range names {
			stats, err := storage.Stats(ctx, name)
			if err != nil {
				// 列举与统计之间命名空间可能已被 activate 清理。
				continue
			}
			result = append(result, encodeCache(name, name == active, stats))
		}
		return c.JSON(fiber.Map{"caches": result})
	})
}

type cachePayload struct {
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	Entries   int    `json:"entries"`
	SizeBytes int64  `json:"size_bytes"`
	Size      string `json:"size"`
	UpdatedAt string `json:"updated_at,omitempty"`
	Updated   string `json:"updated,omitempty"`
}

func encodeCache(name string, active bool, stats cache.Stats) cachePayload {
	payload := cachePayload{
		Name:      name,
		Active:    active,
		Entries:   stats.Entries,
		SizeBytes: stats.SizeBytes,
		Size:      humanize.Bytes(uint64(stats.SizeBytes)),
	}
	if !stats.UpdatedAt.IsZero() {
		payload.UpdatedAt = stats.UpdatedAt.UTC().Format(time.RFC3339)
		payload.Updated = humanize.Time(stats.UpdatedAt)
	}
	return payload
}
