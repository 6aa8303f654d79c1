package config

import "fmt"

// Validate performs structural validation of the merged configuration.
// Every check is explicit; there are no struct-tag validators.
func Validate(cfg *Config) error {
	if err := validateQueue(cfg.Queue); err != nil {
		return err
	}
	if err := validatePlanStore(cfg.PlanStore); err != nil {
		return err
	}
	if err := validatePolicy(cfg.Policy); err != nil {
		return err
	}
	if err := validateDedupe(cfg.Dedupe); err != nil {
		return err
	}
	if err := validateLock(cfg.Lock); err != nil {
		return err
	}
	if err := validateRetention(cfg.Retention); err != nil {
		return err
	}
	return nil
}

func validateQueue(q QueueConfig) error {
	switch q.Backend {
	case "broker", "log":
	default:
		return NewValidationError("queue", "backend", fmt.Errorf("%w: must be \"broker\" or \"log\", got %q", ErrInvalidValue, q.Backend))
	}
	if q.Backend == "broker" && q.Broker.URL == "" {
		return NewValidationError("queue.broker", "url", ErrMissingRequiredField)
	}
	if q.Backend == "log" && len(q.Log.Brokers) == 0 {
		return NewValidationError("queue.log", "brokers", ErrMissingRequiredField)
	}
	if q.RetryMaxAttempts < 1 {
		return NewValidationError("queue", "retryMaxAttempts", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if q.RetryBaseBackoffMs < 1 {
		return NewValidationError("queue", "retryBaseBackoffMs", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	return nil
}

func validatePlanStore(p PlanStoreConfig) error {
	switch p.Backend {
	case "file", "relational":
	default:
		return NewValidationError("planState", "backend", fmt.Errorf("%w: must be \"file\" or \"relational\", got %q", ErrInvalidValue, p.Backend))
	}
	if p.Backend == "file" && p.FilePath == "" {
		return NewValidationError("planState", "filePath", ErrMissingRequiredField)
	}
	if p.Backend == "relational" && p.Postgres.Database == "" {
		return NewValidationError("planState.postgres", "database", ErrMissingRequiredField)
	}
	return nil
}

func validatePolicy(p PolicyConfig) error {
	if !p.Cache.Enabled {
		return nil
	}
	switch p.Cache.Backend {
	case "memory", "redis":
	default:
		return NewValidationError("policy.cache", "backend", fmt.Errorf("%w: must be \"memory\" or \"redis\", got %q", ErrInvalidValue, p.Cache.Backend))
	}
	if p.Cache.Backend == "redis" && p.Cache.RedisAddr == "" {
		return NewValidationError("policy.cache", "redisAddr", ErrMissingRequiredField)
	}
	if p.Cache.TTLSeconds < 1 {
		return NewValidationError("policy.cache", "ttlSeconds", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	return nil
}

func validateDedupe(d DedupeConfig) error {
	switch d.Backend {
	case "memory", "shared":
	default:
		return NewValidationError("dedupe", "backend", fmt.Errorf("%w: must be \"memory\" or \"shared\", got %q", ErrInvalidValue, d.Backend))
	}
	if d.Backend == "shared" && d.RedisAddr == "" {
		return NewValidationError("dedupe", "redisAddr", ErrMissingRequiredField)
	}
	if d.TTL <= 0 {
		return NewValidationError("dedupe", "ttl", fmt.Errorf("%w: must be > 0", ErrInvalidValue))
	}
	return nil
}

func validateLock(l LockConfig) error {
	switch l.Backend {
	case "memory", "redis":
	default:
		return NewValidationError("lock", "backend", fmt.Errorf("%w: must be \"memory\" or \"redis\", got %q", ErrInvalidValue, l.Backend))
	}
	if l.Backend == "redis" && l.RedisAddr == "" {
		return NewValidationError("lock", "redisAddr", ErrMissingRequiredField)
	}
	if l.TTL <= 0 {
		return NewValidationError("lock", "ttl", fmt.Errorf("%w: must be > 0", ErrInvalidValue))
	}
	return nil
}

func validateRetention(r RetentionConfig) error {
	if r.Days < 0 {
		return NewValidationError("retention", "days", fmt.Errorf("%w: must be >= 0 (0 disables the sweep)", ErrInvalidValue))
	}
	if r.Days > 0 && r.SweepInterval <= 0 {
		return NewValidationError("retention", "sweepInterval", fmt.Errorf("%w: must be > 0 when days > 0", ErrInvalidValue))
	}
	return nil
}
