// Copyright (c) TripSage Authors.
// Licensed under the MIT License.

// Package tlsutil 为外部旅行搜索服务提供共享的加固 HTTP 客户端
// （TLS 1.2+，仅 AEAD 密码套件，统一连接池）。
package tlsutil
