package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/cachekey"
	"github.com/any-hub/media-cache/internal/logging"
	"github.com/any-hub/media-cache/internal/mediacache"
	"github.com/any-hub/media-cache/internal/version"
)

// CacheService describes the engine operations exposed over HTTP. It allows
// injecting fake engines during tests.
type CacheService interface {
	CacheItem(ctx context.Context, identifier string, opts mediacache.Options) (string, bool)
	GetCache(ctx context.Context, name string, fileType cachekey.FileType) (*cache.Entry, bool)
	ClearCache(ctx context.Context) error
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Cache      CacheService
	Store      cache.Store
	ListenPort int
}

const contextKeyRequestID = "_mediacache_request_id"

// cacheRequest 是 POST /cache 的请求体。
type cacheRequest struct {
	Identifier string `json:"identifier"`
	CustomName string `json:"customName"`
	FileType   string `json:"fileType"`
	AuthToken  string `json:"authToken"`
}

// NewApp builds a Fiber application exposing the cache endpoints with request
// IDs, panic recovery and structured access logs.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache service is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	h := &handlers{cache: opts.Cache, store: opts.Store, logger: opts.Logger}
	app.Get("/-/healthz", h.health)
	app.Post("/cache", h.cacheItem)
	app.Get("/cache", h.getCache)
	app.Delete("/cache", h.clearCache)
	app.Get("/files/:name", h.serveFile)

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并在请求结束后输出访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()

		fields := logging.RequestFields(reqID, c.Method(), c.Path(), c.Response().StatusCode())
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		if err != nil {
			fields["error"] = err.Error()
			logger.WithFields(fields).Warn("http_failed")
			return err
		}
		logger.WithFields(fields).Debug("http_complete")
		return nil
	}
}

// RequestID returns the request identifier stored by the middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

type handlers struct {
	cache  CacheService
	store  cache.Store
	logger *logrus.Logger
}

func (h *handlers) health(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "version": version.Full()})
}

func (h *handlers) cacheItem(c fiber.Ctx) error {
	var req cacheRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid_body")
	}
	req.Identifier = strings.TrimSpace(req.Identifier)
	if req.Identifier == "" {
		return writeError(c, fiber.StatusBadRequest, "identifier_required")
	}
	fileType, err := cachekey.ParseFileType(req.FileType)
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "unknown_file_type")
	}

	uri, ok := h.cache.CacheItem(requestContext(c), req.Identifier, mediacache.Options{
		CustomName: strings.TrimSpace(req.CustomName),
		FileType:   fileType,
		AuthToken:  req.AuthToken,
	})
	if !ok {
		return writeError(c, fiber.StatusBadGateway, "cache_failed")
	}
	return c.JSON(fiber.Map{"uri": uri})
}

func (h *handlers) getCache(c fiber.Ctx) error {
	name := c.Query("name")
	if name == "" {
		return writeError(c, fiber.StatusBadRequest, "name_required")
	}
	fileType, err := cachekey.ParseFileType(c.Query("type"))
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "unknown_file_type")
	}

	entry, ok := h.cache.GetCache(requestContext(c), name, fileType)
	if !ok {
		return writeError(c, fiber.StatusNotFound, "not_found")
	}
	return c.JSON(entry)
}

func (h *handlers) clearCache(c fiber.Ctx) error {
	if err := h.cache.ClearCache(requestContext(c)); err != nil {
		return writeError(c, fiber.StatusInternalServerError, "clear_failed")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// serveFile 以流的形式返回缓存正文，文件名即 cache key。
func (h *handlers) serveFile(c fiber.Ctx) error {
	name := c.Params("name")
	result, err := h.store.Open(requestContext(c), name)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) || errors.Is(err, cache.ErrInvalidName) {
			return writeError(c, fiber.StatusNotFound, "not_found")
		}
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "serve_file",
			"name":       name,
			"request_id": RequestID(c),
		}).Warn("cache_open_failed")
		return writeError(c, fiber.StatusInternalServerError, "open_failed")
	}
	defer result.Reader.Close()

	c.Set("Content-Type", contentTypeFor(name))
	c.Set("Last-Modified", result.Entry.ModTime.UTC().Format(http.TimeFormat))
	c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
	c.Status(fiber.StatusOK)

	if _, err := io.Copy(c.Response().BodyWriter(), result.Reader); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

func contentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg":
		return "image/jpeg"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
