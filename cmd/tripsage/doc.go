// Copyright (c) TripSage Authors.
// Licensed under the MIT License.

/*
Package main 提供 TripSage 服务端程序入口。

# 概述

cmd/tripsage 装配编排器及其依赖（服务注册表、节点表、检查点存储、
Redis 缓存、数据库连接池、遥测），并通过 HTTP / WebSocket 对外提供对话接口。

# 子命令

  - serve: 启动 API 服务与独立的 Prometheus metrics 端口
  - chat: 在终端中与进程内编排器直接对话
  - health: 请求 /ready 检查服务就绪状态
  - version: 打印构建信息

# 中间件链

Recovery → RequestID → SecurityHeaders → OTelTracing → Metrics →
RequestLogger → CORS → APIKeyAuth → JWTAuth → RateLimiter。
包装的 ResponseWriter 支持 Hijack，WebSocket 升级可穿透整条链。

# 优雅关闭

收到 SIGINT/SIGTERM 后先取消进行中的轮次（每个会话收到一条取消消息并保存检查点），
再关闭 HTTP、metrics 服务器，最后关闭存储、缓存与遥测导出器。
*/
package main
