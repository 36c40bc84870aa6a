// Copyright (c) TripSage Authors.
// Licensed under the MIT License.

/*
包 handoff 提供智能体之间的交接协调。

# 概述

Coordinator.DetermineNextAgent 根据触发原因决定当前智能体继续、交接给谁：

  - INTENT_CHANGE：路由器选中的智能体，general_agent 兜底
  - TASK_COMPLETION：按 FollowOn 表给出尚无结果的后续领域
  - CONTEXT_THRESHOLD_REACHED：memory_update_agent 压缩上下文
  - ERROR_RECOVERY：error_recovery_agent

# 循环防护

候选按"领域智能体优先于 general_agent"排序；优先选择不在最近
LoopWindow 条 agent_history 中的候选；如果全部近期出现过，
选择最久未访问的候选，而不是返回空。

上下文阈值使用 internal/tokenizer 统计最近一次摘要之后的消息 token 数。
History 按会话保留最近的决策，供 API 审计查询。
*/
package handoff
