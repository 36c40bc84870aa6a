// Copyright (c) TripSage Authors.
// Licensed under the MIT License.

/*
Package nodes 实现 TripSage 的智能体节点与静态分发表。

每个 state.AgentName 对应一个 Node 实现，由 NewTable 在启动时根据
服务注册表一次性构建，之后只读：

  - flight_agent / flight_backup_agent：航班搜索
  - accommodation_agent / accommodation_backup_agent：住宿搜索
  - destination_research_agent：目的地调研
  - budget_agent：读取其他领域结果并估算总花费
  - itinerary_agent：组合已有结果生成逐日行程
  - general_agent：兜底回复
  - memory_update_agent：维护用户偏好、生成会话摘要
  - error_recovery_agent：执行恢复指令，维护 error_count / last_error

节点从 PendingParams 读取参数并用 validator 校验，缺失参数时向用户追问；
服务失败时追加 ErrorRecord 并返回类型化错误，由编排器驱动恢复流程。
*/
package nodes
