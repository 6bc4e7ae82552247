// Package server hosts the Fiber HTTP surface of the media cache: JSON
// endpoints for caching, looking up, and clearing entries, a streaming
// endpoint for cached blobs, and the shared upstream http.Client used by the
// fetcher. The package accepts its collaborators explicitly so tests can
// inject fakes and keep exports narrow.
package server
