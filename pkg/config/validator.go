package config

import "fmt"

// Validator validates pipeline configuration with clear error messages
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *Validator) ValidateAll() error {
	if v.cfg.QueueID == "" {
		return NewValidationError("pipeline", "queue_id", "", ErrMissingRequiredField)
	}

	if err := v.validateSource(); err != nil {
		return err
	}
	if err := v.validateEnrichment(); err != nil {
		return err
	}
	if err := v.validateHistory(); err != nil {
		return err
	}
	if err := v.validateDetection(); err != nil {
		return err
	}
	if err := v.validateBackfill(); err != nil {
		return err
	}
	if err := v.validateDispatcher(); err != nil {
		return err
	}
	return v.validateRetention()
}

func (v *Validator) validateSource() error {
	s := v.cfg.Source
	if s.BaseURL == "" {
		return NewValidationError("source", "base_url", "", ErrMissingRequiredField)
	}
	if s.TTW < 1 || s.TTW > 10 {
		return NewValidationError("source", "ttw", "",
			fmt.Errorf("%w: must be within [1,10], got %d", ErrInvalidValue, s.TTW))
	}
	if s.BackoffInitial <= 0 || s.BackoffMax < s.BackoffInitial {
		return NewValidationError("source", "backoff", "",
			fmt.Errorf("%w: initial %v, max %v", ErrInvalidValue, s.BackoffInitial, s.BackoffMax))
	}
	return nil
}

func (v *Validator) validateEnrichment() error {
	e := v.cfg.Enrichment
	if e.BaseURL == "" {
		return NewValidationError("enrichment", "base_url", "", ErrMissingRequiredField)
	}
	if e.Workers < 1 {
		return NewValidationError("enrichment", "workers", "",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if e.RequestsPerSecond <= 0 {
		return NewValidationError("enrichment", "requests_per_second", "",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if e.QueueCapacity < 1 {
		return NewValidationError("enrichment", "queue_capacity", "",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateHistory() error {
	h := v.cfg.History
	if h.BaseURL == "" {
		return NewValidationError("history", "base_url", "", ErrMissingRequiredField)
	}
	if h.RequestsPerSecond <= 0 {
		return NewValidationError("history", "requests_per_second", "",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateDetection() error {
	d := v.cfg.Detection
	if d.Window <= 0 {
		return NewValidationError("detection", "window", "",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if d.MinKills < 2 {
		return NewValidationError("detection", "min_kills", "",
			fmt.Errorf("%w: must be at least 2", ErrInvalidValue))
	}
	if d.AreaWindow <= 0 || d.AreaWindow > d.Window {
		return NewValidationError("detection", "area_window", "",
			fmt.Errorf("%w: must be positive and within the detection window", ErrInvalidValue))
	}
	if d.ConsistencyThreshold <= 0 || d.ConsistencyThreshold > 1 {
		return NewValidationError("detection", "consistency_threshold", "",
			fmt.Errorf("%w: must be within (0,1]", ErrInvalidValue))
	}
	if d.MinorRatioThreshold < 0 {
		return NewValidationError("detection", "minor_ratio_threshold", "",
			fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateBackfill() error {
	b := v.cfg.Backfill
	if !b.Enabled {
		return nil
	}
	if b.MaxAge <= 0 {
		return NewValidationError("backfill", "max_age", "",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if b.MaxKills < 1 {
		return NewValidationError("backfill", "max_kills", "",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateDispatcher() error {
	d := v.cfg.Dispatcher
	if d.QueueCapacity < 1 {
		return NewValidationError("dispatcher", "queue_capacity", "",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if d.RequestsPerSecond <= 0 {
		return NewValidationError("dispatcher", "requests_per_second", "",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if d.MaxAttempts < 1 {
		return NewValidationError("dispatcher", "max_attempts", "",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if d.OutageFailures < 1 || d.OutageWindow <= 0 {
		return NewValidationError("dispatcher", "outage", "",
			fmt.Errorf("%w: failures %d, window %v", ErrInvalidValue, d.OutageFailures, d.OutageWindow))
	}
	return nil
}

func (v *Validator) validateRetention() error {
	r := v.cfg.Retention
	if r.Kills <= 0 || r.Findings <= 0 || r.Alerts <= 0 {
		return NewValidationError("retention", "windows", "",
			fmt.Errorf("%w: retention windows must be positive", ErrInvalidValue))
	}
	if r.SweepInterval <= 0 {
		return NewValidationError("retention", "sweep_interval", "",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}
