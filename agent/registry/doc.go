/*
Package registry 提供只读的外部服务注册表。

启动阶段通过 Builder 注册航班、住宿、目的地、预算估算等搜索服务与偏好服务，
Build 之后得到的 Registry 不再提供任何修改方法，可被所有会话并发共享。

装饰器：

  - TimeoutService：单次调用超时，超时映射为可重试的 UPSTREAM_TIMEOUT
  - BreakerService：gobreaker 熔断，打开时返回 CIRCUIT_OPEN
  - CachedService：Redis 结果缓存 + singleflight 合并并发请求
*/
package registry
