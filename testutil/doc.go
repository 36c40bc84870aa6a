// Copyright (c) TripSage Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 TripSage 测试共享的辅助工具。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext
  - 异步断言: AssertEventuallyTrue
  - 数据辅助: MustJSON / AssertJSONEqual
  - 可控时钟: Clock，注入到节点与编排器

# 子包

  - testutil/mocks: 可编排失败序列的搜索服务 SearchService、
    可切换读写失败的检查点存储 FlakyStore
  - testutil/fixtures: 静态服务注册表、航班/住宿参数、预置会话状态
*/
package testutil
