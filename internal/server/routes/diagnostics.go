package routes

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/simplecrew/swcache/internal/cache"
	"github.com/simplecrew/swcache/internal/clients"
	"github.com/simplecrew/swcache/internal/notify"
	"github.com/simplecrew/swcache/internal/worker"
)

// Deps 汇总诊断接口需要读取的运行时组件。
type Deps struct {
	Registration  *worker.Registration
	Storage       cache.Storage
	Clients       *clients.Registry
	Notifications *notify.Center
	Logger        *logrus.Logger
}

// RegisterDiagnostics 暴露 /-/ 下的诊断与事件注入接口，供运维查询 worker 生命周期、
// 缓存库与客户端，并模拟推送和通知点击。
func RegisterDiagnostics(app *fiber.App, deps Deps) {
	if app == nil || deps.Registration == nil {
		return
	}

	app.Get("/-/lifecycle", func(c fiber.Ctx) error {
		payload := lifecyclePayload{History: deps.Registration.History()}
		if w := deps.Registration.Active(); w != nil {
			payload.Active = &workerPayload{Version: w.Version(), State: w.State(), Origin: w.Origin()}
		}
		return c.JSON(payload)
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		if deps.Storage == nil {
			return c.JSON(fiber.Map{"caches": []cachePayload{}})
		}
		names, err := deps.Storage.Keys(c.Context())
		if err != nil {
			return respondError(c, deps.Logger, fiber.StatusInternalServerError, "cache_list_failed", err)
		}
		out := make([]cachePayload, 0, len(names))
		for _, name := range names {
			// 列出后可能已被激活流程删除，只读查询不能让它复活
			store, err := deps.Storage.Lookup(c.Context(), name)
			if errors.Is(err, cache.ErrStoreNotFound) {
				continue
			}
			if err != nil {
				return respondError(c, deps.Logger, fiber.StatusInternalServerError, "cache_open_failed", err)
			}
			keys, err := store.Keys(c.Context())
			if err != nil {
				return respondError(c, deps.Logger, fiber.StatusInternalServerError, "cache_list_failed", err)
			}
			out = append(out, cachePayload{Name: name, Entries: len(keys)})
		}
		return c.JSON(fiber.Map{"caches": out})
	})

	app.Get("/-/clients", func(c fiber.Ctx) error {
		if deps.Clients == nil {
			return c.JSON(fiber.Map{"clients": []clients.Client{}})
		}
		list, err := deps.Clients.MatchAll(c.Context())
		if err != nil {
			return respondError(c, deps.Logger, fiber.StatusInternalServerError, "client_list_failed", err)
		}
		return c.JSON(fiber.Map{"clients": list})
	})

	app.Get("/-/notifications", func(c fiber.Ctx) error {
		if deps.Notifications == nil {
			return c.JSON(fiber.Map{"notifications": []notify.Notification{}})
		}
		return c.JSON(fiber.Map{"notifications": deps.Notifications.List()})
	})

	app.Post("/-/register", func(c fiber.Ctx) error {
		var body struct {
			Version string `json:"version"`
		}
		if err := json.Unmarshal(c.Body(), &body); err != nil || strings.TrimSpace(body.Version) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "version_required"})
		}
		w, err := deps.Registration.Register(c.Context(), body.Version)
		if err != nil {
			return respondError(c, deps.Logger, fiber.StatusUnprocessableEntity, "register_failed", err)
		}
		return c.JSON(workerPayload{Version: w.Version(), State: w.State(), Origin: w.Origin()})
	})

	app.Post("/-/push", func(c fiber.Ctx) error {
		w := deps.Registration.Active()
		if w == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "worker_unavailable"})
		}
		data := append([]byte(nil), c.Body()...)
		res, err := w.Dispatch(c.Context(), worker.PushEvent{Data: data}).Wait(c.Context())
		if err != nil {
			return respondWorkerError(c, deps.Logger, "push_failed", err)
		}
		return c.Status(fiber.StatusCreated).JSON(res.Notification)
	})

	app.Post("/-/notifications/click", func(c fiber.Ctx) error {
		var body struct {
			Tag string `json:"tag"`
		}
		if err := json.Unmarshal(c.Body(), &body); err != nil || strings.TrimSpace(body.Tag) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tag_required"})
		}
		if deps.Notifications == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "notification_not_found"})
		}
		n, ok := deps.Notifications.Find(body.Tag)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "notification_not_found"})
		}
		w := deps.Registration.Active()
		if w == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "worker_unavailable"})
		}
		res, err := w.Dispatch(c.Context(), worker.NotificationClickEvent{Notification: n}).Wait(c.Context())
		if err != nil {
			return respondWorkerError(c, deps.Logger, "click_failed", err)
		}
		return c.JSON(fiber.Map{"client": res.Client})
	})
}

type workerPayload struct {
	Version string       `json:"version"`
	State   worker.State `json:"state"`
	Origin  string       `json:"origin"`
}

type lifecyclePayload struct {
	Active  *workerPayload  `json:"active"`
	History []worker.Record `json:"history"`
}

type cachePayload struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

func respondWorkerError(c fiber.Ctx, logger *logrus.Logger, code string, err error) error {
	if errors.Is(err, worker.ErrNotActive) || errors.Is(err, worker.ErrRedundant) {
		return respondError(c, logger, fiber.StatusServiceUnavailable, "worker_unavailable", err)
	}
	return respondError(c, logger, fiber.StatusInternalServerError, code, err)
}

func respondError(c fiber.Ctx, logger *logrus.Logger, status int, code string, err error) error {
	if logger != nil {
		logger.WithFields(logrus.Fields{
			"action": "diagnostics",
			"path":   c.Path(),
			"error":  code,
		}).WithError(err).Warn("diagnostics request failed")
	}
	return c.Status(status).JSON(fiber.Map{"error": code, "detail": err.Error()})
}
