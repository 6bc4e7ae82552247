// Package cachekey derives the content-addressed names used for cached blobs.
// A key is the hex SHA-256 of the logical identifier (URL or caller-supplied
// name), optionally suffixed with the extension of its FileType. The key is
// the storage filename; nothing else about an entry is persisted.
package cachekey

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// FileType 是封闭枚举，决定缓存文件扩展名，并参与 key 推导。
type FileType string

const (
	// FileTypeNone 表示不追加扩展名。
	FileTypeNone  FileType = ""
	FileTypeImage FileType = "image"
	FileTypeVideo FileType = "video"
)

// ErrUnknownFileType 表示输入的类型名不在枚举范围内。
var ErrUnknownFileType = errors.New("unknown file type")

var extensions = map[FileType]string{
	FileTypeNone:  "",
	FileTypeImage: ".jpg",
	FileTypeVideo: ".mp4",
}

// ParseFileType 将配置/请求中的类型名标准化为 FileType，空串视为无类型。
func ParseFileType(raw string) (FileType, error) {
	t := FileType(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := extensions[t]; !ok {
		return FileTypeNone, fmt.Errorf("%w: %s", ErrUnknownFileType, raw)
	}
	return t, nil
}

// Valid 报告 t 是否属于枚举。
func (t FileType) Valid() bool {
	_, ok := extensions[t]
	return ok
}

// Extension 返回类型对应的固定扩展名；未知类型属于调用方违约，直接 panic。
func (t FileType) Extension() string {
	ext, ok := extensions[t]
	if !ok {
		panic(fmt.Sprintf("cachekey: unknown file type %q", string(t)))
	}
	return ext
}

// Key 是 identifier + FileType 推导出的存储文件名。
type Key struct {
	digest digest.Digest
	ext    string
}

// Derive 对 identifier 的 UTF-8 字节计算 SHA-256，并按类型追加扩展名。
func Derive(identifier string, t FileType) Key {
	return Key{
		digest: digest.SHA256.FromString(identifier),
		ext:    t.Extension(),
	}
}

// Digest 返回底层摘要（algorithm:hex 形式）。
func (k Key) Digest() digest.Digest {
	return k.digest
}

// String 返回存储文件名：<hex>[.ext]。
func (k Key) String() string {
	return k.digest.Encoded() + k.ext
}
