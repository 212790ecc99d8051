/*
包 server 提供 HTTP 服务器生命周期管理：非阻塞启动、优雅关闭与
系统信号监听。

Manager 封装 net/http.Server，统一监听、服务、关闭与错误传播。
WaitForShutdown 监听 SIGINT/SIGTERM，收到信号后在配置的超时内
完成请求排空。TLS 终结由前置代理负责，本包只服务明文 HTTP。
*/
package server
