package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// DefaultNamespace 是未配置时使用的命名空间目录名。
const DefaultNamespace = "media-cache"

// NewStore 在 bfs 上以 namespace 为扁平目录构建缓存，整站复用一份实例。
// bfs 实现 billy.Change 时写入会保留来源的修改时间。
func NewStore(bfs billy.Filesystem, namespace string) (Store, error) {
	s, err := newFileStore(bfs, namespace)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newFileStore(bfs billy.Filesystem, namespace string) (*fileStore, error) {
	if bfs == nil {
		return nil, errors.New("filesystem required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if err := validateName(namespace); err != nil {
		return nil, fmt.Errorf("namespace: %w", err)
	}
	s := &fileStore{fs: bfs, namespace: namespace}
	if change, ok := bfs.(billy.Change); ok {
		s.chtimes = change.Chtimes
	}
	return s, nil
}

// NewDiskStore 以 root 为缓存根目录（平台缓存目录或配置的 StoragePath）。
func NewDiskStore(root, namespace string) (Store, error) {
	if root == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	s, err := newFileStore(osfs.New(abs), namespace)
	if err != nil {
		return nil, err
	}
	// osfs 未实现 billy.Change，直接对 root 下的真实路径设置时间戳。
	s.chtimes = func(name string, atime, mtime time.Time) error {
		return os.Chtimes(filepath.Join(abs, filepath.FromSlash(name)), atime, mtime)
	}
	return s, nil
}

// fileStore 不做额外加锁：同名并发写入由调用方的 keylock 串行化，rename 保证可见性原子。
type fileStore struct {
	fs        billy.Filesystem
	namespace string
	// chtimes 为空表示底层文件系统不支持修改时间戳（如 memfs）。
	chtimes func(name string, atime, mtime time.Time) error
}

func (s *fileStore) EnsureNamespace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fs.MkdirAll(s.namespace, 0o755)
}

func (s *fileStore) Stat(ctx context.Context, name string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath, err := s.entryPath(name)
	if err != nil {
		return nil, err
	}

	info, err := s.fs.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	return &Entry{
		Name:      name,
		URI:       s.URI(name),
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}, nil
}

func (s *fileStore) Open(ctx context.Context, name string) (*ReadResult, error) {
	entry, err := s.Stat(ctx, name)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(s.fs.Join(s.namespace, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ReadResult{Entry: *entry, Reader: f}, nil
}

func (s *fileStore) Put(ctx context.Context, name string, body io.Reader, opts PutOptions) (*Entry, error) {
	filePath, err := s.entryPath(name)
	if err != nil {
		return nil, err
	}

	if err := s.fs.MkdirAll(s.namespace, 0o755); err != nil {
		return nil, err
	}

	tempFile, err := s.fs.TempFile(s.namespace, ".cache-")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && opts.ExpectedSize > 0 && written != opts.ExpectedSize {
		err = fmt.Errorf("%w: wrote %d of %d bytes", ErrSizeMismatch, written, opts.ExpectedSize)
	}
	if err != nil {
		_ = s.fs.Remove(tempName)
		return nil, err
	}

	if err := s.fs.Rename(tempName, filePath); err != nil {
		_ = s.fs.Remove(tempName)
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	// 条目在 rename 后已可见，Chtimes 只是尽力而为；memfs 等实现不支持时以回读时间为准。
	if s.chtimes != nil {
		_ = s.chtimes(filePath, modTime, modTime)
	}

	info, err := s.fs.Stat(filePath)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Name:      name,
		URI:       s.URI(name),
		SizeBytes: written,
		ModTime:   info.ModTime(),
	}, nil
}

func (s *fileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := util.RemoveAll(s.fs, s.namespace); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) URI(name string) string {
	abs := filepath.Join(s.fs.Root(), s.namespace, name)
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

func (s *fileStore) entryPath(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	return s.fs.Join(s.namespace, name), nil
}

// validateName 只接受单一路径段，防止条目逃逸出命名空间。
func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
