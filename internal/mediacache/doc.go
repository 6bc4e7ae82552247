// Package mediacache is the caching-and-deduplication engine. It turns a
// logical identifier into a cache key, answers from the store when the entry
// already exists, and otherwise downloads (http/https) or copies (anything
// else) the resource into the store under a per-key lock so concurrent
// callers for the same key trigger a single fetch.
//
// The engine is stateless: every lookup re-derives the key and asks the store.
// Public cache operations never return errors; failures are logged and
// reported as "no cached URI".
package mediacache
