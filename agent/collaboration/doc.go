// Package collaboration 实现多 Agent 协作会话的编排核心。
//
// Coordinator 持有 Agent 注册表、消息总线、健康监测、绩效跟踪与会话管理器，
// 并通过四个周期 tick（消息投递、健康扫描、会话管理、绩效优化）驱动状态演进。
// 会话生命周期为 planning → active → completed|failed，终态不可再变更。
//
// 编排方式：
//   - parallel：每个参与者一个独立任务
//   - sequential：任务按参与者选择顺序依次依赖
//   - delegation：协调者向其他参与者委派子任务，最后汇总
//   - consensus：每个参与者评估一次，并由多数投票决定是否继续
//
// 通知通过 Observer 接口发出（agentOffline / sessionCompleted / error），
// 需要做 I/O 的观察者应使用 NewAsyncObserver 包装。
package collaboration
