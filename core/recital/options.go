package recital

import (
	"time"

	"github.com/ivrit-ai/crowd-recital/config"
)

// Job ids used with the scheduler.
const (
	FinalizationJobID      = "session-finalization"
	durationJobIDPrefix    = "session-duration-"
	defaultBatchLimit      = 100
	defaultStartDelay      = 5 * time.Second
	defaultInterval        = 120 * time.Second
	defaultAbandonedAfter  = 2 * time.Hour
	defaultPresignExpiry   = time.Hour
	defaultDurationDelay   = 2 * time.Second
	defaultDurationMisfire = 30 * time.Second
)

// Options tunes the manager.
type Options struct {
	FinalizationDisabled   bool
	FinalizationInterval   time.Duration
	FinalizationStartDelay time.Duration
	// ACTIVE sessions older than this are treated as ended.
	AbandonedAfter       time.Duration
	UploadDisabled       bool
	PresignedURLExpiry   time.Duration
	DurationUpdateDelay  time.Duration
	DurationMisfireGrace time.Duration
	BatchLimit           int
}

// OptionsFromConfig maps the service configuration onto manager options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		FinalizationDisabled: cfg.FinalizationDisabled,
		FinalizationInterval: cfg.FinalizationInterval,
		AbandonedAfter:       cfg.AbandonedAfter,
		UploadDisabled:       cfg.ContentUploadDisabled,
		PresignedURLExpiry:   cfg.PresignedURLExpiry,
	}
}

func (o Options) withDefaults() Options {
	if o.FinalizationInterval <= 0 {
		o.FinalizationInterval = defaultInterval
	}
	if o.FinalizationStartDelay <= 0 {
		o.FinalizationStartDelay = defaultStartDelay
	}
	if o.AbandonedAfter <= 0 {
		o.AbandonedAfter = defaultAbandonedAfter
	}
	if o.PresignedURLExpiry <= 0 {
		o.PresignedURLExpiry = defaultPresignExpiry
	}
	if o.DurationUpdateDelay <= 0 {
		o.DurationUpdateDelay = defaultDurationDelay
	}
	if o.DurationMisfireGrace <= 0 {
		o.DurationMisfireGrace = defaultDurationMisfire
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = defaultBatchLimit
	}
	return o
}
