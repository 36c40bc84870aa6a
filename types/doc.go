// Copyright (c) TripSage Authors.
// Licensed under the MIT License.

/*
Package types 提供 TripSage 编排核心的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 agent、api、cmd 等上层模块
提供统一的错误契约，以避免循环依赖。

# 错误分类

  - SERVICE_UNAVAILABLE 外部服务不可达，可重试或切换备用 Agent
  - VALIDATION_ERROR 从用户输入提取的参数缺失或非法，需要重新询问用户
  - ROUTING_AMBIGUITY 无法高置信度选择 Agent，回退到通用 Agent
  - PERSISTENCE_FAILURE 检查点保存/加载失败，退避重试后才上报
  - FATAL_SESSION 会话状态损坏，终止会话并提示开启新会话

# 主要能力

  - 错误构造：NewServiceUnavailable / NewValidationError / NewPersistenceFailure 等
  - 错误工具链：AsError / GetErrorCode / IsCode / IsRetryable（支持 %w 包装链）
*/
package types
