// Copyright (c) TripSage Authors.
// Licensed under the MIT License.

/*
Package router 将用户消息确定性地分类到一个智能体节点。

Route 是 (state, message) 的纯函数：按领域加权关键词打分，
结合正则提取的结构化参数（IATA 机场代码、ISO 日期、预算、城市），
得分低于置信度阈值时回退到 general_agent 并标记 Ambiguous。
偏好陈述路由到 memory_update_agent；只带参数的追问沿用当前领域智能体。
*/
package router
