/*
包 cache 提供基于 Redis 的缓存管理能力，用于缓存外部旅行服务的搜索结果。

# 核心类型

  - Manager：缓存管理器，提供 Get/Set/Delete 与 GetJSON/SetJSON，
    可独立建连（NewManager）或复用已有客户端（NewManagerFromClient）。
  - Config：地址、键前缀、默认 TTL、连接池与健康检查间隔。
  - Stats：进程内命中 / 未命中计数。

未命中返回 ErrCacheMiss，可用 IsCacheMiss 判断。
*/
package cache
