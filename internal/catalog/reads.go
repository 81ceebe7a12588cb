package catalog

import "github.com/xela07ax/spaceai-tool-gateway/internal/domain"

// KPIs: заглушка финансовых показателей. Бизнес-расчет вне зоны ответственности шлюза.
type KPIs struct {
	Revenue   float64 `json:"revenue"`
	Orders    int     `json:"orders"`
	AvgTicket float64 `json:"avg_ticket"`
}

type KPIRecord struct {
	RequestID string `json:"request_id"`
	TenantID  string `json:"tenant_id"`
	KPIs      KPIs   `json:"kpis"`
}

type EstimateRecord struct {
	RequestID      string  `json:"request_id"`
	TenantID       string  `json:"tenant_id"`
	EstimatedUnits float64 `json:"estimated_units"`
}

func financeKPIs(req *domain.ActionRequest) interface{} {
	return KPIRecord{RequestID: req.RequestID, TenantID: req.TenantID}
}

func batteryEstimate(req *domain.ActionRequest) interface{} {
	return EstimateRecord{
		RequestID:      req.RequestID,
		TenantID:       req.TenantID,
		EstimatedUnits: req.AIBatteryEstimate,
	}
}
