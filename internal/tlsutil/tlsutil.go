package tlsutil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// DefaultTLSConfig 返回加固的 TLS 配置：TLS 1.2+，仅 AEAD 密码套件
func DefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// ClientOptions 搜索服务 HTTP 客户端参数
type ClientOptions struct {
	// 单个服务主机的最大空闲连接
	MaxIdleConnsPerHost int
	// 建连超时
	DialTimeout time.Duration
	// 整体超时；服务调用已由 registry.TimeoutService 限时，通常保持 0
	Timeout time.Duration
}

// DefaultClientOptions 默认客户端参数
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		MaxIdleConnsPerHost: 16,
		DialTimeout:         5 * time.Second,
	}
}

// SearchTransport 返回外部搜索服务共用的 Transport。
// 所有航班、住宿、目的地、预算服务共享一个连接池。
func SearchTransport(opts ClientOptions) *http.Transport {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultClientOptions().DialTimeout
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = DefaultClientOptions().MaxIdleConnsPerHost
	}
	return &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: DefaultTLSConfig(),
		DialContext: (&net.Dialer{
			Timeout:   opts.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.DialTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// SearchClient 返回外部搜索服务使用的 http.Client
func SearchClient(opts ClientOptions) *http.Client {
	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: SearchTransport(opts),
	}
}
