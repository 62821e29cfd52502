// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 agentcoord 协调核心的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 agent、discovery、messaging、
collaboration 等上层模块提供统一的错误契约，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 Retryable 标记与 Cause 链
  - 选择与会话错误码：NO_SUITABLE_AGENTS、SESSION_TIMEOUT、INVALID_TRANSITION 等
  - 消息错误码：DELIVERY_FAILURE、QUEUE_FULL、RATE_LIMITED、INVALID_MESSAGE

# 错误工具链

  - NewError / Errorf 构造错误
  - GetErrorCode / IsCode 沿 errors.As 链提取错误码
  - IsRetryable 判断是否可重试
*/
package types
