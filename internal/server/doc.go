/*
包 server 提供指标与健康检查 HTTP 服务的生命周期管理。

# 核心类型

  - Manager：封装 net/http.Server，非阻塞启动、带超时的优雅关闭，
    并通过 Errors() 传播异步服务错误。
  - HealthHandler：聚合 HealthCheck，任一检查失败时 /health 返回 503。
  - Middleware：Recovery、RequestLogger、Metrics、OTelTracing，
    通过 Chain 组合。
*/
package server
