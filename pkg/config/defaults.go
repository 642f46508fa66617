package config

import "time"

// DefaultConfig returns the built-in pipeline defaults. Values mirror the
// upstream services' published limits with headroom.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8090",
		Source: &SourceConfig{
			BaseURL:        "https://zkillredisq.stream/listen.php",
			TTW:            10,
			BackoffInitial: 1 * time.Second,
			BackoffMax:     60 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Enrichment: &EnrichmentConfig{
			BaseURL:           "https://esi.evetech.net",
			Workers:           5,
			RequestsPerSecond: 20,
			QueueCapacity:     1000,
			PauseOnLimit:      60 * time.Second,
			RequestTimeout:    30 * time.Second,
		},
		History: &HistoryConfig{
			BaseURL:           "https://zkillboard.com/api",
			RequestsPerSecond: 10,
			RequestTimeout:    30 * time.Second,
		},
		Detection: &DetectionConfig{
			Window:               600 * time.Second,
			MinKills:             3,
			AreaWindow:           60 * time.Second,
			AsymmetryThreshold:   5,
			ConsistencyThreshold: 0.70,
			MinorRatioThreshold:  0.5,
		},
		Backfill: &BackfillConfig{
			Enabled:  true,
			MaxAge:   3 * time.Hour,
			MaxKills: 500,
		},
		Router: &RouterConfig{
			DefaultThrottleWindow: 5 * time.Minute,
		},
		Dispatcher: &DispatcherConfig{
			QueueCapacity:     100,
			RequestsPerSecond: 5,
			MaxAttempts:       3,
			RetryDelay:        1 * time.Second,
			OutageFailures:    3,
			OutageWindow:      5 * time.Minute,
			RequestTimeout:    30 * time.Second,
			DrainTimeout:      10 * time.Second,
		},
		Retention: &RetentionConfig{
			Kills:         24 * time.Hour,
			Findings:      7 * 24 * time.Hour,
			Alerts:        7 * 24 * time.Hour,
			SweepInterval: 1 * time.Hour,
		},
	}
}
