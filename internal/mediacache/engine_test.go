package mediacache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/cachekey"
	"github.com/any-hub/media-cache/internal/fetch"
	"github.com/any-hub/media-cache/internal/keylock"
)

const remoteID = "https://example.com/a.jpg"

func TestCacheItemRemoteMissThenHit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	uri, ok := h.engine.CacheItem(ctx, remoteID, Options{FileType: cachekey.FileTypeImage})
	require.True(t, ok)
	assert.Equal(t, 1, h.fetcher.remoteCalls())

	name := cachekey.Derive(remoteID, cachekey.FileTypeImage).String()
	assert.True(t, strings.HasSuffix(uri, "/"+cache.DefaultNamespace+"/"+name), uri)

	again, ok := h.engine.CacheItem(ctx, remoteID, Options{FileType: cachekey.FileTypeImage})
	require.True(t, ok)
	assert.Equal(t, uri, again)
	assert.Equal(t, 1, h.fetcher.remoteCalls(), "cache hit must not fetch")

	entry, ok := h.engine.GetCache(ctx, remoteID, cachekey.FileTypeImage)
	require.True(t, ok)
	assert.Equal(t, uri, entry.URI)
	assert.Equal(t, int64(len("remote-bytes")), entry.SizeBytes)
}

func TestCacheItemDeduplicatesConcurrentCallers(t *testing.T) {
	h := newHarness(t)
	h.fetcher.delay = 30 * time.Millisecond

	uris := make([]string, 12)
	var g errgroup.Group
	for i := range uris {
		g.Go(func() error {
			uri, ok := h.engine.CacheItem(context.Background(), remoteID, Options{FileType: cachekey.FileTypeImage})
			if !ok {
				return fmt.Errorf("caller %d got no uri", i)
			}
			uris[i] = uri
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, h.fetcher.remoteCalls())
	for _, uri := range uris {
		assert.Equal(t, uris[0], uri)
	}
	assert.Equal(t, 0, h.locks.Len())
}

func TestCacheItemLocalCopyWithCustomName(t *testing.T) {
	h := newHarness(t)
	src := filepath.Join(t.TempDir(), "video.mp4")
	require.NoError(t, os.WriteFile(src, []byte("frames"), 0o600))

	uri, ok := h.engine.CacheItem(context.Background(), src, Options{
		CustomName: "myvid",
		FileType:   cachekey.FileTypeVideo,
	})
	require.True(t, ok)
	assert.Equal(t, 0, h.fetcher.remoteCalls())
	assert.Equal(t, 1, h.fetcher.localCalls())

	want := cachekey.Derive("myvid", cachekey.FileTypeVideo).String()
	assert.True(t, strings.HasSuffix(uri, "/"+want), uri)
	assert.True(t, strings.HasSuffix(want, ".mp4"))

	data, err := os.ReadFile(src)
	require.NoError(t, err, "source must be left in place")
	assert.Equal(t, "frames", string(data))

	entry, ok := h.engine.GetCache(context.Background(), "myvid", cachekey.FileTypeVideo)
	require.True(t, ok)
	assert.Equal(t, uri, entry.URI)

	_, ok = h.engine.CacheItem(context.Background(), src, Options{CustomName: "myvid", FileType: cachekey.FileTypeVideo})
	require.True(t, ok)
	assert.Equal(t, 1, h.fetcher.localCalls(), "custom-named entry must be reused")
}

func TestCacheItemLocalMissingSource(t *testing.T) {
	h := newHarness(t)
	_, ok := h.engine.CacheItem(context.Background(), filepath.Join(t.TempDir(), "nope.jpg"), Options{})
	assert.False(t, ok)
}

func TestClearCacheForcesRefetch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, ok := h.engine.CacheItem(ctx, remoteID, Options{FileType: cachekey.FileTypeImage})
	require.True(t, ok)

	require.NoError(t, h.engine.ClearCache(ctx))
	_, ok = h.engine.GetCache(ctx, remoteID, cachekey.FileTypeImage)
	assert.False(t, ok)

	_, ok = h.engine.CacheItem(ctx, remoteID, Options{FileType: cachekey.FileTypeImage})
	require.True(t, ok)
	assert.Equal(t, 2, h.fetcher.remoteCalls())
	require.NoError(t, h.engine.ClearCache(ctx), "clearing twice is harmless")
}

func TestCacheItemFetchFailureLeavesNoEntry(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = &fetch.StatusError{URL: remoteID, StatusCode: 404}

	_, ok := h.engine.CacheItem(context.Background(), remoteID, Options{})
	assert.False(t, ok)
	_, ok = h.engine.GetCache(context.Background(), remoteID, cachekey.FileTypeNone)
	assert.False(t, ok)

	h.fetcher.setErr(nil)
	_, ok = h.engine.CacheItem(context.Background(), remoteID, Options{})
	assert.True(t, ok)
	assert.Equal(t, 2, h.fetcher.remoteCalls())
}

func TestCacheItemPassesTokenWithoutLoggingIt(t *testing.T) {
	h := newHarness(t)
	h.logger.SetLevel(logrus.DebugLevel)

	_, ok := h.engine.CacheItem(context.Background(), remoteID, Options{AuthToken: "s3cr3t"})
	require.True(t, ok)
	assert.Equal(t, []string{"s3cr3t"}, h.fetcher.tokens)

	for _, entry := range h.hook.AllEntries() {
		line, err := entry.String()
		require.NoError(t, err)
		assert.NotContains(t, line, "s3cr3t")
	}
}

func TestCacheItemRejectsUnknownFileType(t *testing.T) {
	h := newHarness(t)
	_, ok := h.engine.CacheItem(context.Background(), remoteID, Options{FileType: cachekey.FileType("audio")})
	assert.False(t, ok)
	_, ok = h.engine.GetCache(context.Background(), remoteID, cachekey.FileType("audio"))
	assert.False(t, ok)
	assert.Equal(t, 0, h.fetcher.remoteCalls())
}

func TestCacheItemTimeoutReleasesLock(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.FetchTimeout = 20 * time.Millisecond })
	h.fetcher.block = true

	_, ok := h.engine.CacheItem(context.Background(), remoteID, Options{})
	assert.False(t, ok)
	assert.Equal(t, 0, h.locks.Len())
}

func TestCacheItemAbandonsLockWait(t *testing.T) {
	h := newHarness(t)
	key := cachekey.Derive(remoteID, cachekey.FileTypeImage).String()
	unlock, err := h.locks.Lock(context.Background(), key)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := h.engine.CacheItem(ctx, remoteID, Options{FileType: cachekey.FileTypeImage})
	assert.False(t, ok)
	assert.Equal(t, 0, h.fetcher.remoteCalls())
}

func TestCacheItemRecoversFromPanics(t *testing.T) {
	h := newHarness(t)
	h.fetcher.panicMsg = "transport exploded"

	_, ok := h.engine.CacheItem(context.Background(), remoteID, Options{})
	assert.False(t, ok)
	assert.Equal(t, 0, h.locks.Len())
}

func TestCacheItemKeepsUpstreamModTime(t *testing.T) {
	h := newHarness(t)
	lastModified := time.Date(2023, time.November, 14, 22, 13, 20, 0, time.UTC)
	h.fetcher.modTime = lastModified
	ctx := context.Background()

	_, ok := h.engine.CacheItem(ctx, remoteID, Options{FileType: cachekey.FileTypeImage})
	require.True(t, ok)

	first, ok := h.engine.GetCache(ctx, remoteID, cachekey.FileTypeImage)
	require.True(t, ok)
	assert.True(t, first.ModTime.Equal(lastModified), "got %v", first.ModTime)

	second, ok := h.engine.GetCache(ctx, remoteID, cachekey.FileTypeImage)
	require.True(t, ok)
	assert.True(t, second.ModTime.Equal(first.ModTime), "modtime must be stable across lookups")
}

func TestCacheItemRejectsTruncatedBody(t *testing.T) {
	h := newHarness(t)
	h.fetcher.size = int64(len("remote-bytes")) + 100

	_, ok := h.engine.CacheItem(context.Background(), remoteID, Options{FileType: cachekey.FileTypeImage})
	assert.False(t, ok)
	_, ok = h.engine.GetCache(context.Background(), remoteID, cachekey.FileTypeImage)
	assert.False(t, ok, "truncated download must not be cached")
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{Fetcher: &fakeFetcher{}})
	assert.Error(t, err)
	store, err := cache.NewStore(memfs.New(), "")
	require.NoError(t, err)
	_, err = New(Config{Store: store})
	assert.Error(t, err)
}

type harness struct {
	engine  *Engine
	fetcher *fakeFetcher
	locks   *keylock.Map
	logger  *logrus.Logger
	hook    *logtest.Hook
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	store, err := cache.NewDiskStore(t.TempDir(), "")
	require.NoError(t, err)

	logger, hook := logtest.NewNullLogger()
	h := &harness{
		fetcher: &fakeFetcher{body: "remote-bytes", local: fetch.New(nil, fetch.Options{})},
		locks:   keylock.New(),
		logger:  logger,
		hook:    hook,
	}
	cfg := Config{Store: store, Fetcher: h.fetcher, Locks: h.locks, Logger: logger}
	for _, fn := range mutate {
		fn(&cfg)
	}
	h.engine, err = New(cfg)
	require.NoError(t, err)
	return h
}

type fakeFetcher struct {
	mu       sync.Mutex
	remote   int
	locals   int
	tokens   []string
	body     string
	err      error
	delay    time.Duration
	block    bool
	panicMsg string
	modTime  time.Time
	size     int64
	local    *fetch.Client
}

func (f *fakeFetcher) Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
	f.mu.Lock()
	f.remote++
	f.tokens = append(f.tokens, req.AuthToken)
	err := f.err
	f.mu.Unlock()

	switch {
	case f.panicMsg != "":
		panic(f.panicMsg)
	case f.block:
		<-ctx.Done()
		return nil, ctx.Err()
	case err != nil:
		return nil, err
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	resp := &fetch.Response{
		Body:    io.NopCloser(strings.NewReader(f.body)),
		ModTime: f.modTime,
		Size:    int64(len(f.body)),
	}
	if resp.ModTime.IsZero() {
		resp.ModTime = time.Now().UTC()
	}
	if f.size != 0 {
		resp.Size = f.size
	}
	return resp, nil
}

func (f *fakeFetcher) OpenLocal(ctx context.Context, identifier string) (*fetch.Response, error) {
	f.mu.Lock()
	f.locals++
	f.mu.Unlock()
	if f.local == nil {
		return nil, errors.New("no local opener")
	}
	return f.local.OpenLocal(ctx, identifier)
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFetcher) remoteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakeFetcher) localCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locals
}
