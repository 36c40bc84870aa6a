// Package api 定义 TripSage HTTP API 的请求与响应结构。
//
// # API Overview
//
// TripSage 对外提供：
//   - POST   /api/v1/chat                      一轮对话
//   - GET    /api/v1/sessions/{id}             会话快照
//   - POST   /api/v1/sessions/{id}/stop        取消进行中的轮次
//   - DELETE /api/v1/sessions/{id}             重置会话
//   - GET    /api/v1/sessions/{id}/versions    检查点版本
//   - GET    /api/v1/sessions/{id}/handoffs    交接决策
//   - GET    /api/v1/ws                        WebSocket 对话
//
// # Authentication
//
// 配置了 API Key 时通过 X-API-Key 请求头认证：
//
//	X-API-Key: your-api-key
//
// 配置了 JWT 时使用 Authorization: Bearer <token>，token 的 sub 即用户 ID。
//
// # Base URL
//
//	http://localhost:8080
package api
