// Copyright (c) TripSage Authors.
// Licensed under the MIT License.

/*
Package orchestrator 驱动一轮对话：加载检查点、路由、执行智能体节点、
错误恢复、任务完成交接，最后保存检查点。

# 并发模型

同一会话的轮次严格串行（单写者锁，wait 或 reject 两种模式），
不同会话并发执行，全局并发轮次数由 semaphore 限制。

# 轮次语义

  - 每个完成的轮次恰好追加一条 agent_history，记录给出最终回复的智能体
  - 取消（Stop 或超时）的轮次丢弃全部改动，只追加一条 turn_cancelled 消息
  - 检查点保存失败时状态保留在待保存槽位，下一轮开始前必须先落盘
  - 状态约束被破坏时删除检查点并提示用户开启新会话
*/
package orchestrator
