// Copyright (c) TripSage Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集。

# 概述

Collector 通过 promauto.With 注册到调用方给定的 Registerer，
测试中可传入独立的 prometheus.NewRegistry() 避免重复注册。
所有 Record 方法在 nil 接收者上是空操作，未启用指标时直接传 nil。

# 指标

  - HTTP：请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
  - 轮次：turns_total{agent,outcome}、turn_duration_seconds、turns_in_flight。
  - 节点：node_executions_total{agent,status}、node_duration_seconds。
  - 路由与交接：routing_decisions_total、handoffs_total{from,to,trigger}。
  - 恢复：recovery_actions_total{agent,action}。
  - 检查点：checkpoint_operations_total{op,status}、checkpoint_duration_seconds。
  - 缓存：搜索结果缓存命中与未命中。
*/
package metrics
