// Copyright (c) TripSage Authors.
// Licensed under the MIT License.

/*
Package recovery 实现错误恢复状态机与选择策略。

状态迁移：

	Normal -> ErrorDetected -> {RetryWithSameAgent, FallbackToAlternateAgent, SimplifyAndRetry, GiveUpGracefully}

Policy.Next 按顺序选择：同一智能体重试至 MaxAttempts；
同领域备用智能体；去除可选过滤条件后重试一次；最后放弃并向用户致歉。
参数校验错误直接进入 reprompt，不计入错误次数。
*/
package recovery
