// Package health tracks per-method failure counts and cooldown windows.
package health

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trackline/trackline/internal/monitoring"
)

// Config controls cooldown growth and record eviction
type Config struct {
	// CooldownBase is the cooldown after the first failure; it doubles per further failure
	CooldownBase time.Duration
	// CooldownMax caps the cooldown window
	CooldownMax time.Duration
	// FailureCeiling is the consecutive failure count at which the full CooldownMax applies
	FailureCeiling int
	// TTL is how long an idle, healthy record is kept
	TTL time.Duration
}

// DefaultConfig returns the built-in health settings
func DefaultConfig() Config {
	return Config{
		CooldownBase:   30 * time.Second,
		CooldownMax:    10 * time.Minute,
		FailureCeiling: 5,
		TTL:            time.Hour,
	}
}

// Record is the health state of one acquisition method
type Record struct {
	Method              string    `json:"method"`
	LastUsedAt          time.Time `json:"last_used_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	Successes           int64     `json:"successes"`
	Failures            int64     `json:"failures"`
}

// Tracker is a lightweight circuit breaker keyed by method name.
// Records are created lazily on first use.
type Tracker struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	records map[string]*Record
}

// NewTracker creates a tracker
func NewTracker(cfg Config, logger *zap.Logger) *Tracker {
	def := DefaultConfig()
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = def.CooldownBase
	}
	if cfg.CooldownMax < cfg.CooldownBase {
		cfg.CooldownMax = cfg.CooldownBase
	}
	if cfg.FailureCeiling < 1 {
		cfg.FailureCeiling = def.FailureCeiling
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	return &Tracker{
		cfg:     cfg,
		logger:  monitoring.Named(logger, "health"),
		now:     time.Now,
		records: make(map[string]*Record),
	}
}

// Allowed reports whether method is outside its cooldown window
func (t *Tracker) Allowed(method string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allowedLocked(method)
}

func (t *Tracker) allowedLocked(method string) bool {
	rec, ok := t.records[method]
	if !ok {
		return true
	}
	return !t.now().Before(rec.CooldownUntil)
}

// Filter returns the methods that are currently allowed, preserving order.
// When every method is cooling down, all cooldowns among them are cleared and
// the full list is returned; reset reports that this happened.
func (t *Tracker) Filter(methods []string) (allowed []string, reset bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, m := range methods {
		if t.allowedLocked(m) {
			allowed = append(allowed, m)
		}
	}
	if len(allowed) > 0 || len(methods) == 0 {
		return allowed, false
	}

	for _, m := range methods {
		if rec, ok := t.records[m]; ok {
			rec.CooldownUntil = time.Time{}
		}
	}
	t.logger.Warn("Every method cooling down, resetting cooldowns", zap.Strings("methods", methods))
	return append([]string(nil), methods...), true
}

// RecordSuccess resets the failure count and stamps the last use
func (t *Tracker) RecordSuccess(method string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.recordLocked(method)
	rec.LastUsedAt = t.now()
	rec.ConsecutiveFailures = 0
	rec.CooldownUntil = time.Time{}
	rec.LastError = ""
	rec.Successes++
}

// RecordFailure increments the failure count and extends the cooldown window
func (t *Tracker) RecordFailure(method string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.recordLocked(method)
	now := t.now()
	rec.LastUsedAt = now
	rec.ConsecutiveFailures++
	rec.Failures++
	if err != nil {
		rec.LastError = err.Error()
	}

	cooldown := t.cooldownFor(rec.ConsecutiveFailures)
	if until := now.Add(cooldown); until.After(rec.CooldownUntil) {
		rec.CooldownUntil = until
	}

	t.logger.Debug("Method failure recorded",
		zap.String("method", method),
		zap.Int("consecutive_failures", rec.ConsecutiveFailures),
		zap.Duration("cooldown", cooldown))
}

// cooldownFor returns base * 2^(failures-1), capped, and the full cap at the ceiling
func (t *Tracker) cooldownFor(failures int) time.Duration {
	if failures >= t.cfg.FailureCeiling {
		return t.cfg.CooldownMax
	}
	d := t.cfg.CooldownBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= t.cfg.CooldownMax {
			return t.cfg.CooldownMax
		}
	}
	return d
}

// Reset clears the cooldown and failure count of the given methods, or all when none given
func (t *Tracker) Reset(methods ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(methods) == 0 {
		for _, rec := range t.records {
			rec.ConsecutiveFailures = 0
			rec.CooldownUntil = time.Time{}
		}
		return
	}
	for _, m := range methods {
		if rec, ok := t.records[m]; ok {
			rec.ConsecutiveFailures = 0
			rec.CooldownUntil = time.Time{}
		}
	}
}

// Get returns a copy of the record for method
func (t *Tracker) Get(method string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[method]
	if !ok {
		return Record{Method: method}, false
	}
	return *rec, true
}

// Snapshot returns copies of all records sorted by method name
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}

// Cooling returns how many known methods are inside a cooldown window, and how many are known
func (t *Tracker) Cooling() (cooling, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for _, rec := range t.records {
		if now.Before(rec.CooldownUntil) {
			cooling++
		}
	}
	return cooling, len(t.records)
}

// Sweep drops records idle for longer than the TTL whose cooldown has expired.
// It returns the number of records removed.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for name, rec := range t.records {
		if now.Sub(rec.LastUsedAt) > t.cfg.TTL && !now.Before(rec.CooldownUntil) {
			delete(t.records, name)
			removed++
		}
	}
	return removed
}

func (t *Tracker) recordLocked(method string) *Record {
	rec, ok := t.records[method]
	if !ok {
		rec = &Record{Method: method}
		t.records[method] = rec
	}
	return rec
}
