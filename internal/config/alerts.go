package config

// AlertsConfig holds operational alert thresholds surfaced by /metrics.
type AlertsConfig struct {
	CPAlertTolerance           float64 `yaml:"cp_alert_tolerance"`
	DriftQuantileTolerance     float64 `yaml:"drift_quantile_tolerance"`
	DriftMinSamples            int     `yaml:"drift_min_samples"`
	DriftWindow                int     `yaml:"drift_window"`
	LatencyP95AlertSeconds     float64 `yaml:"latency_p95_alert_seconds"`
	LatencyAlertMinRequests    int     `yaml:"latency_alert_min_requests"`
	AbstainAlertRate           float64 `yaml:"abstain_alert_rate"`
	AbstainAlertMinAnswers     int     `yaml:"abstain_alert_min_answers"`
	ApprovalsPendingThreshold  int     `yaml:"approvals_pending_alert_threshold"`
	ApprovalsPendingAgeSeconds int     `yaml:"approvals_pending_age_threshold_seconds"`
}

// DefaultAlertsConfig returns the default alert thresholds.
func DefaultAlertsConfig() AlertsConfig {
	return AlertsConfig{
		CPAlertTolerance:           0.02,
		DriftQuantileTolerance:     0.08,
		DriftMinSamples:            50,
		DriftWindow:                200,
		LatencyP95AlertSeconds:     6.0,
		LatencyAlertMinRequests:    20,
		AbstainAlertRate:           0.3,
		AbstainAlertMinAnswers:     20,
		ApprovalsPendingThreshold:  5,
		ApprovalsPendingAgeSeconds: 300,
	}
}
