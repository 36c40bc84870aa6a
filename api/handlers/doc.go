// Copyright (c) TripSage Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 TripSage HTTP API 的请求处理器实现。

# 概述

handlers 把编排器包装为 HTTP 与 WebSocket 端点，统一响应格式与错误映射。
所有 Handler 遵循标准 net/http 接口，路由使用 Go 1.22 的方法 + 路径模式。

# 核心类型

  - ChatHandler: POST /api/v1/chat 与 GET /api/v1/ws
  - SessionHandler: 会话快照、取消、重置、检查点版本、交接记录
  - HealthHandler: /health, /healthz, /ready, /version
  - Response: 统一 JSON 响应结构（success + data + error + timestamp）
  - Orchestrator: Handler 依赖的编排能力接口

# 错误映射

types.ErrorCode 自动映射为 HTTP 状态码，例如 SESSION_BUSY → 409，
UNAUTHORIZED → 403，PERSISTENCE_FAILURE → 503。
检查点保存失败或会话损坏时回复仍然返回（200），错误放在 error 字段。
*/
package handlers
