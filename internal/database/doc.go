// Copyright (c) TripSage Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库连接池管理，供 SQL 检查点存储使用。

# 概述

Open 按 config.DatabaseConfig 的驱动选择方言（postgres、mysql、
纯 Go 的 glebarez sqlite），并交给 PoolManager 统一管理连接池参数、
后台健康检查与事务。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、Stats()、Close()。
  - PoolConfig：连接池参数，PoolConfigFrom 从数据库配置推导。
  - TransactionFunc：事务回调。

# 主要能力

  - WithTransaction 单次事务；WithTransactionRetry 对死锁、序列化失败、
    sqlite 锁冲突等瞬时错误做指数退避重试。
*/
package database
