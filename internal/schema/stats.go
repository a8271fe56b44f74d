package schema

import "time"

// Health is the overall system health derived from active threats.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
	HealthUnknown  Health = "unknown"
)

// SystemStats summarizes the ledger for dashboards.
type SystemStats struct {
	TotalLogs       int               `json:"total_logs"`
	LogsToday       int               `json:"logs_today"`
	ActiveThreats   int               `json:"active_threats"`
	ResolvedThreats int               `json:"resolved_threats"`
	AnomalyCount    int               `json:"anomaly_count"`
	SystemHealth    Health            `json:"system_health"`
	AgentStatus     map[string]string `json:"agent_status"`
	LastUpdated     time.Time         `json:"last_updated"`
}
