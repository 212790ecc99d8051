/*
Package main 提供 chatforge 服务端程序入口。

cmd/chatforge 是编排服务的可执行入口：加载 YAML 配置（支持环境变量
覆盖），装配缓存、持久化、注册表、租约协调器、流程目录与生成服务
Provider，并在双端口上提供 WebSocket 会话端点与 Prometheus 指标。

  - 子命令：serve（启动服务）、version、health
  - /ws 端点：每条连接一个流程会话 actor，推送经 notify 帧下行
  - Metrics 服务器：独立端口暴露 /metrics
  - 优雅关闭：信号监听 → 关闭活跃会话 → 关闭 HTTP/Metrics → 释放存储
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
