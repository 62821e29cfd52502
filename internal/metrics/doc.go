/*
包 metrics 提供基于 Prometheus 的协调器指标采集能力。

# 概述

Collector 使用 promauto 自动注册指标，并实现
collaboration.Metrics 接口，可直接通过 collaboration.WithMetrics
注入协调器。所有指标按 namespace 隔离。

# 主要能力

  - 消息总线：按消息类型与结果（sent/delivered/dropped/failed）计数，
    队列深度 Gauge。
  - 协调器：会话与 Agent 的按状态 Gauge、错误事件计数、
    周期任务耗时与跳过次数、Agent 协作分。
  - HTTP：/metrics 与 /health 的请求计数与耗时。
  - 数据库：连接池 Gauge 与归档写入耗时。
*/
package metrics
