// Package cache implements the blob store behind the media cache: a single
// flat namespace directory on a go-billy filesystem holding one file per
// cache key. Writes go through a temp file + rename so a failed or cancelled
// write never leaves a visible entry, and file info (size, modtime) is the
// only metadata. The engine treats this package as the source of truth and
// keeps no index of its own.
package cache
