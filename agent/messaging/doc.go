/*
Package messaging 提供协调核心的消息总线。

Send 以 O(1) 将消息放入有界队列；Drain 一次取出当前队列中的全部消息并同步调用
接收方的 Handler：

  - To == BroadcastID：投递给所有非 offline 的 Agent（不含发送方）
  - To == CoordinatorID：由协调器的 Inspect 钩子处理
  - 其他：投递给指定 Agent；不存在或 offline 时丢弃，不重试

每条消息无论投递结果如何都会记录到 History，键为 ConversationID，缺省为
From + "_" + To。同一会话内的消息按发送顺序投递；emergency 消息在同一个
drain 周期内先于其他消息投递。单个接收方的错误或 panic 只影响自身。

	bus := messaging.NewBus(registry, messaging.BusConfig{}, logger)
	bus.Subscribe("agent-1", messaging.HandlerFunc(func(ctx context.Context, m *messaging.Message) error {
	    return nil
	}))
	_ = bus.Send(ctx, messaging.New("agent-2", "agent-1", &messaging.KnowledgeShare{Topic: "churn"}))
	report := bus.Drain(ctx)
*/
package messaging
