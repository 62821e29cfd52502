/*
包 eventsink 通过 Redis 发布协调器事件。

Publisher 实现 collaboration.Observer：每个通知编码为 JSON 后 PUBLISH 到
配置的频道；会话结束时额外以 KeyPrefix+会话 ID 写入快照（带 TTL），
可通过 Latest 读取。与审计归档一样，挂到协调器前应先用
collaboration.NewAsyncObserver 包装。
*/
package eventsink
