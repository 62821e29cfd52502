// Package audit 将协作会话结果与协调器事件归档到关系数据库（GORM），
// 作为 collaboration.Observer 挂到协调器上。
package audit
