/*
包 database 提供基于 GORM 的数据库连接与连接池管理。

# 核心能力

  - Open / Dialector：按配置选择 postgres、mysql 或 sqlite
    （github.com/glebarez/sqlite，纯 Go 实现）方言并建立连接。
  - PoolManager：连接池参数、后台健康检查（可上报连接数指标）、
    事务与可重试事务（死锁、序列化失败、连接中断时指数退避）。

审计归档（internal/audit）通过 PoolManager 写入会话与事件记录。
*/
package database
