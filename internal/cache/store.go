package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 管理命名空间目录内的缓存文件。磁盘布局遵循：
//
//	<Root>/<Namespace>/<name>    # name 即 cachekey 推导出的文件名
//
// 每个条目仅由正文文件组成，文件的 ModTime/Size 由文件系统提供。
type Store interface {
	// EnsureNamespace 幂等地创建命名空间目录。
	EnsureNamespace(ctx context.Context) error

	// Stat 返回条目信息；不存在或为目录时返回 ErrNotFound。
	Stat(ctx context.Context, name string) (*Entry, error)

	// Open 返回可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Open(ctx context.Context, name string) (*ReadResult, error)

	// Put 将 body 写入缓存并产出新的 Entry。实现需通过临时文件 + rename
	// 保证写入原子性，并在失败时清理临时文件。
	Put(ctx context.Context, name string, body io.Reader, opts PutOptions) (*Entry, error)

	// Clear 递归删除整个命名空间；目录不存在视为成功。
	Clear(ctx context.Context) error

	// URI 返回条目的 file:// 引用，不检查是否存在。
	URI(name string) string
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
	// ExpectedSize 大于 0 时校验写入字节数，不一致则丢弃临时文件并返回 ErrSizeMismatch。
	ExpectedSize int64
}

// Entry 表示一次缓存命中结果。
type Entry struct {
	Name      string    `json:"name"`
	URI       string    `json:"uri"`
	SizeBytes int64     `json:"size"`
	ModTime   time.Time `json:"modTime"`
}

// ReadResult 组合 Entry 与正文 Reader，便于 HTTP 层直接流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidName 表示条目名不是单一路径段。
	ErrInvalidName = errors.New("invalid cache entry name")
	// ErrSizeMismatch 表示写入长度与来源声明的长度不一致。
	ErrSizeMismatch = errors.New("cache entry size mismatch")
)
