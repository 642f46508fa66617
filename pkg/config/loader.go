package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// fileConfig is the gatewatch.yaml structure. Durations accept either Go
// duration strings or bare seconds. All sections are optional; omitted
// values take the built-in defaults.
type fileConfig struct {
	QueueID     string                `yaml:"queue_id"`
	ListenAddr  string                `yaml:"listen_addr"`
	RefDataPath string                `yaml:"refdata_path"`
	Source      *sourceYAMLConfig     `yaml:"source"`
	Enrichment  *enrichmentYAMLConfig `yaml:"enrichment"`
	History     *historyYAMLConfig    `yaml:"history"`
	Detection   *detectionYAMLConfig  `yaml:"detection"`
	Backfill    *backfillYAMLConfig   `yaml:"backfill"`
	Router      *routerYAMLConfig     `yaml:"router"`
	Dispatcher  *dispatcherYAMLConfig `yaml:"dispatcher"`
	Retention   *retentionYAMLConfig  `yaml:"retention"`
}

type sourceYAMLConfig struct {
	BaseURL        string   `yaml:"base_url"`
	TTW            int      `yaml:"ttw"`
	BackoffInitial Duration `yaml:"backoff_initial"`
	BackoffMax     Duration `yaml:"backoff_max"`
	RequestTimeout Duration `yaml:"request_timeout"`
	Regions        []int64  `yaml:"regions"`
}

type enrichmentYAMLConfig struct {
	BaseURL           string   `yaml:"base_url"`
	Workers           int      `yaml:"workers"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	QueueCapacity     int      `yaml:"queue_capacity"`
	PauseOnLimit      Duration `yaml:"pause_on_limit"`
	RequestTimeout    Duration `yaml:"request_timeout"`
}

type historyYAMLConfig struct {
	BaseURL           string   `yaml:"base_url"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	RequestTimeout    Duration `yaml:"request_timeout"`
}

type detectionYAMLConfig struct {
	Window               Duration `yaml:"window"`
	MinKills             int      `yaml:"min_kills"`
	AreaWindow           Duration `yaml:"area_window"`
	AsymmetryThreshold   float64  `yaml:"asymmetry_threshold"`
	ConsistencyThreshold float64  `yaml:"consistency_threshold"`
	MinorRatioThreshold  float64  `yaml:"minor_ratio_threshold"`
}

type backfillYAMLConfig struct {
	Enabled  *bool    `yaml:"enabled,omitempty"`
	MaxAge   Duration `yaml:"max_age"`
	MaxKills int      `yaml:"max_kills"`
}

type routerYAMLConfig struct {
	DefaultThrottleWindow Duration `yaml:"default_throttle_window"`
}

type dispatcherYAMLConfig struct {
	QueueCapacity     int      `yaml:"queue_capacity"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	MaxAttempts       int      `yaml:"max_attempts"`
	RetryDelay        Duration `yaml:"retry_delay"`
	OutageFailures    int      `yaml:"outage_failures"`
	OutageWindow      Duration `yaml:"outage_window"`
	RequestTimeout    Duration `yaml:"request_timeout"`
	DrainTimeout      Duration `yaml:"drain_timeout"`
}

type retentionYAMLConfig struct {
	Kills         Duration `yaml:"kills"`
	Findings      Duration `yaml:"findings"`
	Alerts        Duration `yaml:"alerts"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Resolve the instance root (directory containing gatewatch.yaml)
//  2. Read gatewatch.yaml and expand environment variables
//  3. Merge file values over built-in defaults
//  4. Validate the result
func Initialize(ctx context.Context, startDir string) (*Config, error) {
	root, err := FindInstanceRoot(startDir)
	if err != nil {
		return nil, err
	}

	log := slog.With("instance_root", root)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"queue_id", stats.QueueID,
		"enrichment_workers", stats.EnrichmentWorkers,
		"detection_window", stats.DetectionWindow,
		"backfill_enabled", stats.BackfillEnabled)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, root string) (*Config, error) {
	path := filepath.Join(root, MarkerFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(MarkerFile, fmt.Errorf("%w: %s", ErrConfigNotFound, path))
		}
		return nil, NewLoadError(MarkerFile, err)
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// ExpandEnv passes through original data on parse/execution errors,
	// letting the YAML parser produce the clearer error message.
	data = ExpandEnv(data)

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, NewLoadError(MarkerFile, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	cfg := DefaultConfig()
	cfg.instanceRoot = root
	cfg.QueueID = file.QueueID
	if file.ListenAddr != "" {
		cfg.ListenAddr = file.ListenAddr
	}
	cfg.RefDataPath = file.RefDataPath

	if err := mergeSections(cfg, &file); err != nil {
		return nil, NewLoadError(MarkerFile, err)
	}
	return cfg, nil
}

// mergeSections overlays non-zero file values onto the defaults, section by
// section. Booleans that must distinguish "false" from "unset" are pointers
// in the YAML layer and resolved by hand.
func mergeSections(cfg *Config, file *fileConfig) error {
	if file.Source != nil {
		over := &SourceConfig{
			BaseURL:        file.Source.BaseURL,
			TTW:            file.Source.TTW,
			BackoffInitial: file.Source.BackoffInitial.Std(),
			BackoffMax:     file.Source.BackoffMax.Std(),
			RequestTimeout: file.Source.RequestTimeout.Std(),
			Regions:        file.Source.Regions,
		}
		if err := mergo.Merge(cfg.Source, over, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge source config: %w", err)
		}
	}
	if file.Enrichment != nil {
		over := &EnrichmentConfig{
			BaseURL:           file.Enrichment.BaseURL,
			Workers:           file.Enrichment.Workers,
			RequestsPerSecond: file.Enrichment.RequestsPerSecond,
			QueueCapacity:     file.Enrichment.QueueCapacity,
			PauseOnLimit:      file.Enrichment.PauseOnLimit.Std(),
			RequestTimeout:    file.Enrichment.RequestTimeout.Std(),
		}
		if err := mergo.Merge(cfg.Enrichment, over, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge enrichment config: %w", err)
		}
	}
	if file.History != nil {
		over := &HistoryConfig{
			BaseURL:           file.History.BaseURL,
			RequestsPerSecond: file.History.RequestsPerSecond,
			RequestTimeout:    file.History.RequestTimeout.Std(),
		}
		if err := mergo.Merge(cfg.History, over, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge history config: %w", err)
		}
	}
	if file.Detection != nil {
		over := &DetectionConfig{
			Window:               file.Detection.Window.Std(),
			MinKills:             file.Detection.MinKills,
			AreaWindow:           file.Detection.AreaWindow.Std(),
			AsymmetryThreshold:   file.Detection.AsymmetryThreshold,
			ConsistencyThreshold: file.Detection.ConsistencyThreshold,
			MinorRatioThreshold:  file.Detection.MinorRatioThreshold,
		}
		if err := mergo.Merge(cfg.Detection, over, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge detection config: %w", err)
		}
	}
	if file.Backfill != nil {
		over := &BackfillConfig{
			MaxAge:   file.Backfill.MaxAge.Std(),
			MaxKills: file.Backfill.MaxKills,
		}
		if err := mergo.Merge(cfg.Backfill, over, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge backfill config: %w", err)
		}
		if file.Backfill.Enabled != nil {
			cfg.Backfill.Enabled = *file.Backfill.Enabled
		}
	}
	if file.Router != nil {
		over := &RouterConfig{
			DefaultThrottleWindow: file.Router.DefaultThrottleWindow.Std(),
		}
		if err := mergo.Merge(cfg.Router, over, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge router config: %w", err)
		}
	}
	if file.Dispatcher != nil {
		over := &DispatcherConfig{
			QueueCapacity:     file.Dispatcher.QueueCapacity,
			RequestsPerSecond: file.Dispatcher.RequestsPerSecond,
			MaxAttempts:       file.Dispatcher.MaxAttempts,
			RetryDelay:        file.Dispatcher.RetryDelay.Std(),
			OutageFailures:    file.Dispatcher.OutageFailures,
			OutageWindow:      file.Dispatcher.OutageWindow.Std(),
			RequestTimeout:    file.Dispatcher.RequestTimeout.Std(),
			DrainTimeout:      file.Dispatcher.DrainTimeout.Std(),
		}
		if err := mergo.Merge(cfg.Dispatcher, over, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge dispatcher config: %w", err)
		}
	}
	if file.Retention != nil {
		over := &RetentionConfig{
			Kills:         file.Retention.Kills.Std(),
			Findings:      file.Retention.Findings.Std(),
			Alerts:        file.Retention.Alerts.Std(),
			SweepInterval: file.Retention.SweepInterval.Std(),
		}
		if err := mergo.Merge(cfg.Retention, over, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge retention config: %w", err)
		}
	}
	return nil
}

// LoadProfiles reads every *.yaml profile under dir. A file that fails to
// parse or validate is skipped and reported in the returned map; the
// remaining profiles load normally. Disabled profiles are returned too so
// status can report them.
func LoadProfiles(dir string) ([]*Profile, map[string]error) {
	failed := make(map[string]error)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Profile directory does not exist", "dir", dir)
			return nil, failed
		}
		failed[dir] = err
		return nil, failed
	}

	var profiles []*Profile
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		profile, err := loadProfile(path)
		if err != nil {
			failed[entry.Name()] = err
			slog.Error("Skipping invalid profile", "file", entry.Name(), "error", err)
			continue
		}
		profiles = append(profiles, profile)
	}

	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	return profiles, failed
}

func loadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewLoadError(filepath.Base(path), err)
	}
	data = ExpandEnv(data)

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, NewLoadError(filepath.Base(path), fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}
	profile.SourceFile = filepath.Base(path)
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}
