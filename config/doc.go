// Package config 提供 TripSage 编排服务的配置管理。
//
// 配置按 默认值 → YAML 文件 → TRIPSAGE_ 前缀环境变量 的顺序叠加，
// 并通过 validate 标签与跨字段规则校验。服务注册表在启动后不可变，
// 修改配置需要重启进程。
package config
