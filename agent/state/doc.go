// Copyright (c) TripSage Authors.
// Licensed under the MIT License.

/*
Package state 定义 TripSage 会话状态 ConversationState 及其只追加约束。

# 概述

ConversationState 是编排器在每轮对话之间传递和持久化的唯一单元，
包含消息、各领域结果、用户偏好、当前智能体、智能体历史、交接上下文和错误计数。

# 写入规则

  - messages、agent_history、domain_results 只追加
  - 领域节点只能追加本领域的 DomainResult
  - user_preferences 仅能通过 PreferenceWriter（memory_update_agent）修改
  - error_count / last_error 仅能通过 RecoveryWriter（error_recovery_agent）修改

VerifyInvariants 与 VerifyNodeWrites 在每个节点运行和每轮结束时校验上述规则，
违反时返回 FATAL_SESSION 错误。
*/
package state
