// Copyright (c) TripSage Authors.
// Licensed under the MIT License.

/*
Package server 管理 TripSage 的 HTTP 服务器生命周期：非阻塞启动、
信号等待与优雅关闭。

API 端口与 metrics 端口各使用一个 Manager。WaitForSignal 只等待
SIGINT/SIGTERM 或服务器异常，关闭顺序由调用方控制：先取消进行中的
对话轮次并落盘检查点，再关闭监听。
*/
package server
