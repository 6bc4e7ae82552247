package mediacache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/cachekey"
	"github.com/any-hub/media-cache/internal/fetch"
	"github.com/any-hub/media-cache/internal/keylock"
	"github.com/any-hub/media-cache/internal/logging"
)

// Fetcher 抽象远程下载与本地读取，测试中可注入计数/失败的实现。
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, error)
	OpenLocal(ctx context.Context, identifier string) (*fetch.Response, error)
}

// Config 汇总引擎依赖；Locks/Logger 为空时使用默认实例。
type Config struct {
	Store   cache.Store
	Fetcher Fetcher
	Locks   *keylock.Map
	Logger  *logrus.Logger
	// FetchTimeout 限制单次下载/复制的耗时，<=0 表示只受调用方 ctx 约束。
	FetchTimeout time.Duration
}

// Options 是单次 CacheItem 的参数。
type Options struct {
	// CustomName 替代 identifier 参与 key 推导，但下载/复制仍使用 identifier。
	CustomName string
	FileType   cachekey.FileType
	// AuthToken 仅作为 Bearer 头附加在下载请求上。
	AuthToken string
}

// Engine 编排 key 推导、存在性检查、按 key 加锁与下载/复制。
type Engine struct {
	store        cache.Store
	fetcher      Fetcher
	locks        *keylock.Map
	logger       *logrus.Logger
	fetchTimeout time.Duration
}

// New 构造引擎并确保命名空间目录存在；目录创建失败只记录日志，写入时会再次创建。
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if cfg.Locks == nil {
		cfg.Locks = keylock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	e := &Engine{
		store:        cfg.Store,
		fetcher:      cfg.Fetcher,
		locks:        cfg.Locks,
		logger:       cfg.Logger,
		fetchTimeout: cfg.FetchTimeout,
	}
	if err := e.store.EnsureNamespace(context.Background()); err != nil {
		e.logger.WithError(err).WithField("action", "cache_init").Warn("namespace_init_failed")
	}
	return e, nil
}

// CacheItem 返回 identifier 对应缓存文件的 URI，必要时先下载或复制。
// 任何失败都会记录日志并返回 ok=false，不向调用方抛出错误。
func (e *Engine) CacheItem(ctx context.Context, identifier string, opts Options) (uri string, ok bool) {
	started := time.Now()
	fields := logging.CacheFields(identifier, opts.CustomName, string(opts.FileType))
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(fields).WithField("panic", fmt.Sprint(r)).Error("cache_item_panic")
			uri, ok = "", false
		}
	}()

	if identifier == "" {
		e.logger.WithFields(fields).Warn("cache_item_empty_identifier")
		return "", false
	}
	if !opts.FileType.Valid() {
		e.logger.WithFields(fields).Warn("cache_item_unknown_file_type")
		return "", false
	}

	if entry, hit := e.GetCache(ctx, identifier, opts.FileType); hit {
		e.logHit(fields, entry, started)
		return entry.URI, true
	}

	storageName := identifier
	if opts.CustomName != "" {
		storageName = opts.CustomName
		if entry, hit := e.GetCache(ctx, storageName, opts.FileType); hit {
			e.logHit(fields, entry, started)
			return entry.URI, true
		}
	}

	key := cachekey.Derive(storageName, opts.FileType).String()
	remote := fetch.IsRemote(identifier)
	fields["key"] = key
	fields["remote"] = remote

	var (
		entry  *cache.Entry
		reused bool
	)
	err := e.locks.Do(ctx, key, func(ctx context.Context) error {
		existing, err := e.store.Stat(ctx, key)
		switch {
		case err == nil:
			entry, reused = existing, true
			return nil
		case !errors.Is(err, cache.ErrNotFound):
			return fmt.Errorf("stat %s: %w", key, err)
		}

		entry, err = e.populate(ctx, identifier, key, remote, opts)
		return err
	})

	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		e.logger.WithFields(fields).WithError(err).Error("cache_fetch_failed")
		return "", false
	}

	fields["cache_hit"] = reused
	fields["size"] = entry.SizeBytes
	if reused {
		e.logger.WithFields(fields).Debug("cache_filled_by_peer")
	} else {
		e.logger.WithFields(fields).Info("cache_stored")
	}
	return entry.URI, true
}

// populate 在持锁状态下把源内容写入存储，并以回读结果为准。
func (e *Engine) populate(ctx context.Context, identifier, key string, remote bool, opts Options) (*cache.Entry, error) {
	if e.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.fetchTimeout)
		defer cancel()
	}

	var (
		src *fetch.Response
		err error
	)
	if remote {
		src, err = e.fetcher.Fetch(ctx, fetch.Request{URL: identifier, AuthToken: opts.AuthToken})
	} else {
		src, err = e.fetcher.OpenLocal(ctx, identifier)
	}
	if err != nil {
		return nil, err
	}
	if src == nil || src.Body == nil {
		return nil, errors.New("source returned no content")
	}
	defer src.Body.Close()

	putOpts := cache.PutOptions{ModTime: src.ModTime, ExpectedSize: src.Size}
	if _, err := e.store.Put(ctx, key, src.Body, putOpts); err != nil {
		return nil, fmt.Errorf("store %s: %w", key, err)
	}

	entry, err := e.store.Stat(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", key, err)
	}
	return entry, nil
}

// GetCache 只读查询 name+类型对应的缓存条目；非 not-found 的存储错误记录后按未命中处理。
func (e *Engine) GetCache(ctx context.Context, name string, fileType cachekey.FileType) (*cache.Entry, bool) {
	if !fileType.Valid() {
		e.logger.WithFields(logrus.Fields{
			"action":    "get_cache",
			"file_type": string(fileType),
		}).Warn("get_cache_unknown_file_type")
		return nil, false
	}

	key := cachekey.Derive(name, fileType).String()
	entry, err := e.store.Stat(ctx, key)
	switch {
	case err == nil:
		return entry, true
	case errors.Is(err, cache.ErrNotFound):
		return nil, false
	default:
		e.logger.WithError(err).WithFields(logrus.Fields{
			"action": "get_cache",
			"key":    key,
		}).Warn("cache_stat_failed")
		return nil, false
	}
}

// ClearCache 删除整个命名空间，不获取任何 key 锁；之后完成的下载会重新写入命名空间。
func (e *Engine) ClearCache(ctx context.Context) error {
	if err := e.store.Clear(ctx); err != nil {
		e.logger.WithError(err).WithField("action", "clear_cache").Error("cache_clear_failed")
		return err
	}
	e.logger.WithField("action", "clear_cache").Info("cache_cleared")
	return nil
}

func (e *Engine) logHit(fields logrus.Fields, entry *cache.Entry, started time.Time) {
	fields["cache_hit"] = true
	fields["key"] = entry.Name
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	e.logger.WithFields(fields).Debug("cache_hit")
}
