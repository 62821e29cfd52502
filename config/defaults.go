// =============================================================================
// 📦 agentcoord 默认配置
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/agentcoord/agent/collaboration"
	"github.com/BaSui01/agentcoord/agent/sim"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Coordinator: collaboration.DefaultConfig(),
		Server:      DefaultServerConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
		Metrics:     DefaultMetricsConfig(),
		Redis:       DefaultRedisConfig(),
		Database:    DefaultDatabaseConfig(),
		Simulation:  DefaultSimulationConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentcoord",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "agentcoord",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		Channel:      "agentcoord:events",
		KeyPrefix:    "agentcoord:session:",
		SnapshotTTL:  24 * time.Hour,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Enabled:             false,
		Driver:              "sqlite",
		Host:                "localhost",
		Port:                5432,
		User:                "agentcoord",
		Name:                "agentcoord.db",
		SSLMode:             "disable",
		MaxOpenConns:        25,
		MaxIdleConns:        5,
		ConnMaxLifetime:     5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultSimulationConfig 返回默认模拟配置
func DefaultSimulationConfig() SimulationConfig {
	return SimulationConfig{
		Enabled:           true,
		HeartbeatInterval: sim.DefaultHeartbeatInterval,
		Behavior:          sim.DefaultBehavior(),
		Demo: DemoConfig{
			Interval:     30 * time.Second,
			Objective:    "launch spring campaign",
			Capabilities: []string{"planning", "email", "copywriting"},
		},
	}
}
