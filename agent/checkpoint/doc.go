// Copyright (c) TripSage Authors.
// Licensed under the MIT License.

/*
包 checkpoint 负责会话状态的持久化。每一轮对话结束时，编排器把完整的
ConversationState 写入检查点，下一轮开始时再从中恢复。

# 后端

  - memory：进程内存储，用于开发与测试
  - file：每个会话一个 JSON 文件，先写临时文件再重命名
  - redis：最新状态键 + 版本快照键 + 有序集合版本索引，可设 TTL
  - sql：GORM，支持 postgres、mysql 与纯 Go sqlite，单事务 upsert 并追加历史
  - mongo：按会话 upsert 主集合，历史写入 <collection>_history

# 版本与历史

每次 Save 以 s.Version+1 作为新版本号，成功后写回 s.Version。
每个会话最多保留 history_limit 个版本，History 按版本倒序返回，
可用于回放或排查某一轮的状态变化。

# 重试

NewStore 返回的 RetryingStore 对所有读写做指数退避重试，
最终失败统一包装为 PERSISTENCE_FAILURE，ErrNotFound 原样透出。
*/
package checkpoint
