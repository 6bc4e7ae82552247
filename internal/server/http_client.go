package server

import (
	"net"
	"net/http"
	"time"

	"github.com/any-hub/media-cache/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   16,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ResponseHeaderTimeout: 30 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回下载媒体使用的共享 http.Client。
// 不设置整体 Timeout，单次填充的时限由引擎 ctx（FetchTimeout）控制，慢速的大文件不会被截断；
// 只把等待响应头的时间收紧到不超过 FetchTimeout。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	transport := defaultTransport.Clone()
	if cfg != nil {
		if limit := cfg.Global.FetchTimeout.DurationValue(); limit > 0 && limit < transport.ResponseHeaderTimeout {
			transport.ResponseHeaderTimeout = limit
		}
	}
	return &http.Client{Transport: transport}
}
