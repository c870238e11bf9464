// Package edge answers simple voice queries entirely on-device. A query is
// matched against a registered rule table using exact, wildcard, fuzzy, and
// synonym-aware scoring; a confident match is answered immediately, anything
// else is declined so the caller can escalate to its cloud backend.
//
// The processor enforces a hard wall-clock budget (default 100 ms): matching
// runs under a context deadline, and even a successful match that finishes
// over budget is declined. A slow fast path is worse than no fast path.
//
// All methods are safe for concurrent use. ProcessQuery never panics out to
// the caller; faults become a declined result.
package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Defaults for [Config].
const (
	DefaultConfidenceThreshold = 0.7
	DefaultMaxProcessingTime   = 100 * time.Millisecond

	// cacheHitConfidence is reported for responses served from cache.
	cacheHitConfidence = 0.95
)

// ErrDestroyed is returned by mutating methods after Destroy.
var ErrDestroyed = errors.New("edge: processor destroyed")

// Source tells the caller where a result came from.
type Source string

// Result sources.
const (
	SourceEdge     Source = "edge"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// Config controls the processor's matching behavior. The zero value is a
// disabled processor; use [DefaultConfig] for the standard setup.
type Config struct {
	Enabled             bool
	ConfidenceThreshold float64
	MaxProcessingTime   time.Duration
	Cache               bool
	FuzzyMatching       bool
	ContextAwareness    bool
	Learning            bool

	// DefaultOperator, when non-empty ("add", "subtract", "multiply",
	// "divide"), is applied to arithmetic queries whose operator cannot be
	// inferred. When empty such queries get a guidance response instead.
	DefaultOperator string
}

// DefaultConfig returns the standard processor configuration: enabled, 0.7
// confidence threshold, 100 ms budget, all matching features on, and no
// fallback arithmetic operator.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		MaxProcessingTime:   DefaultMaxProcessingTime,
		Cache:               true,
		FuzzyMatching:       true,
		ContextAwareness:    true,
		Learning:            true,
	}
}

// Result is the outcome of one ProcessQuery call. When Handled is false the
// caller is expected to forward the query to its fallback backend.
type Result struct {
	Handled        bool
	Response       string
	Confidence     float64
	ProcessingTime time.Duration
	Source         Source
	Metadata       map[string]any
}

// MarshalJSON emits the processing time in milliseconds, matching the wire
// contract of the query endpoint.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Handled          bool           `json:"handled"`
		Response         string         `json:"response,omitempty"`
		Confidence       float64        `json:"confidence"`
		ProcessingTimeMs float64        `json:"processing_time_ms"`
		Source           Source         `json:"source"`
		Metadata         map[string]any `json:"metadata,omitempty"`
	}{
		Handled:          r.Handled,
		Response:         r.Response,
		Confidence:       r.Confidence,
		ProcessingTimeMs: float64(r.ProcessingTime.Microseconds()) / 1000,
		Source:           r.Source,
		Metadata:         r.Metadata,
	})
}

// Stats is a snapshot of the processor's counters.
type Stats struct {
	TotalQueries          uint64
	EdgeHits              uint64
	CacheHits             uint64
	Fallbacks             uint64
	Faults                uint64
	AverageProcessingTime time.Duration
	CacheSize             int
	RuleCount             int
}

// Option configures a [Processor] during construction.
type Option func(*Processor)

// WithStore attaches a learning-data store. Learning data is loaded from it
// by [Processor.LoadLearning] and flushed on Destroy.
func WithStore(s Store) Option {
	return func(p *Processor) {
		p.store = s
	}
}

// WithClock overrides the processor's time source. Tests use this to drive
// cache-TTL expiry deterministically.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// WithoutBuiltinRules starts the processor with an empty rule table.
func WithoutBuiltinRules() Option {
	return func(p *Processor) {
		p.rules = make(map[string]*Rule)
		p.order = nil
	}
}

// Processor matches queries against its rule table. Construct with [New].
type Processor struct {
	mu    sync.RWMutex
	cfg   Config
	rules map[string]*Rule
	order []string // rule scan order, registration-ordered
	syn   synonymTable

	cache    *responseCache
	learning LearningData
	qctx     map[string]any

	stats     Stats
	totalTime time.Duration

	store     Store
	now       func() time.Time
	destroyed bool
}

// New creates a Processor with the built-in rule set and synonym table.
func New(cfg Config, opts ...Option) *Processor {
	p := &Processor{
		cfg:      cfg,
		rules:    make(map[string]*Rule),
		syn:      newSynonymTable(defaultSynonymGroups()),
		cache:    newResponseCache(),
		learning: make(LearningData),
		qctx:     make(map[string]any),
		now:      time.Now,
	}
	for _, r := range builtinRules() {
		p.rules[r.ID] = r
		p.order = append(p.order, r.ID)
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// match is the best (rule, pattern) candidate found during a scan.
type match struct {
	rule       *Rule
	pattern    string
	confidence float64
	entities   map[string]string
}

// ProcessQuery attempts to answer query locally. The supplied context values
// are merged over any stashed via [Processor.UpdateContext] for
// context-required rule gating and response generation.
//
// It never returns an error and never panics: faults and budget overruns
// both produce a declined result with Source "fallback".
func (p *Processor) ProcessQuery(ctx context.Context, query string, qctx map[string]any) (res Result) {
	p.mu.RLock()
	cfg := p.cfg
	destroyed := p.destroyed
	p.mu.RUnlock()

	if !cfg.Enabled || destroyed {
		return Result{Source: SourceFallback}
	}

	start := p.now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("edge: query processing fault", "query", query, "panic", r)
			res = Result{
				Source:         SourceFallback,
				ProcessingTime: p.now().Sub(start),
				Metadata:       map[string]any{"fault": true},
			}
			p.mu.Lock()
			p.stats.Faults++
			p.mu.Unlock()
		}
		if res.ProcessingTime == 0 {
			res.ProcessingTime = p.now().Sub(start)
		}
		p.account(res)
	}()

	normalized := normalize(query)
	if normalized == "" {
		return Result{Source: SourceFallback}
	}

	if cfg.Cache {
		p.mu.Lock()
		entry, hit := p.cache.get(normalized, p.now())
		p.mu.Unlock()
		if hit {
			return Result{
				Handled:    true,
				Response:   entry.response,
				Confidence: cacheHitConfidence,
				Source:     SourceCache,
				Metadata:   map[string]any{"category": string(entry.category)},
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.MaxProcessingTime)
	defer cancel()

	merged := p.mergedContext(qctx)
	best, deadlineHit := p.bestMatch(ctx, normalized, merged, cfg)

	if deadlineHit {
		slog.Warn("edge: budget exhausted during matching", "query", normalized)
		return Result{
			Source:     SourceFallback,
			Confidence: best.confidence,
			Metadata:   map[string]any{"budget_exceeded": true},
		}
	}
	if best.rule == nil || best.confidence < cfg.ConfidenceThreshold {
		return Result{Source: SourceFallback, Confidence: best.confidence}
	}

	response, err := p.render(ctx, best, normalized, merged, cfg)
	if err != nil {
		slog.Warn("edge: response generation failed",
			"rule", best.rule.ID,
			"pattern", best.pattern,
			"error", err,
		)
		if cfg.Learning {
			p.mu.Lock()
			p.learning.record(best.rule.ID, best.pattern, best.confidence, false, p.now())
			p.mu.Unlock()
		}
		return Result{Source: SourceFallback, Confidence: best.confidence}
	}

	elapsed := p.now().Sub(start)
	if ctx.Err() != nil || elapsed > cfg.MaxProcessingTime {
		slog.Warn("edge: match exceeded budget, declining",
			"rule", best.rule.ID,
			"elapsed", elapsed,
			"budget", cfg.MaxProcessingTime,
		)
		return Result{
			Source:         SourceFallback,
			Confidence:     best.confidence,
			ProcessingTime: elapsed,
			Metadata:       map[string]any{"budget_exceeded": true},
		}
	}

	p.mu.Lock()
	if cfg.Cache {
		p.cache.put(normalized, response, best.rule.Category, ttlFor(best.rule.Category), p.now())
	}
	if cfg.Learning {
		p.learning.record(best.rule.ID, best.pattern, best.confidence, true, p.now())
	}
	p.mu.Unlock()

	return Result{
		Handled:        true,
		Response:       response,
		Confidence:     best.confidence,
		ProcessingTime: elapsed,
		Source:         SourceEdge,
		Metadata: map[string]any{
			"rule":     best.rule.ID,
			"pattern":  best.pattern,
			"category": string(best.rule.Category),
		},
	}
}

// bestMatch scans every rule's every pattern, keeping the highest-confidence
// candidate that clears the rule's own threshold. The scan aborts between
// rules once the context deadline fires.
func (p *Processor) bestMatch(ctx context.Context, query string, qctx map[string]any, cfg Config) (match, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best match
	for _, id := range p.order {
		if ctx.Err() != nil {
			return best, true
		}
		rule := p.rules[id]

		if cfg.ContextAwareness && !hasRequiredContext(rule, qctx) {
			continue
		}

		threshold := rule.Threshold
		if threshold <= 0 {
			threshold = cfg.ConfidenceThreshold
		}

		for _, pattern := range rule.Patterns {
			conf, entities := scorePattern(pattern, query, cfg.FuzzyMatching, p.syn)
			if conf < threshold || conf <= best.confidence {
				continue
			}
			best = match{rule: rule, pattern: pattern, confidence: conf, entities: entities}
		}
	}
	return best, false
}

func hasRequiredContext(rule *Rule, qctx map[string]any) bool {
	for _, key := range rule.RequiredContext {
		if _, ok := qctx[key]; !ok {
			return false
		}
	}
	return true
}

// render generates the matched rule's response.
func (p *Processor) render(ctx context.Context, m match, query string, qctx map[string]any, cfg Config) (string, error) {
	if m.rule.Response.Fn == nil {
		return m.rule.Response.Text, nil
	}
	req := Request{
		Query:           query,
		Entities:        m.entities,
		Context:         qctx,
		Now:             p.now(),
		DefaultOperator: cfg.DefaultOperator,
	}
	return m.rule.Response.Fn(ctx, req)
}

// mergedContext overlays per-call context values on the stashed ones.
func (p *Processor) mergedContext(qctx map[string]any) map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	merged := make(map[string]any, len(p.qctx)+len(qctx))
	for k, v := range p.qctx {
		merged[k] = v
	}
	for k, v := range qctx {
		merged[k] = v
	}
	return merged
}

// account folds one finished query into the counters.
func (p *Processor) account(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.TotalQueries++
	p.totalTime += res.ProcessingTime
	p.stats.AverageProcessingTime = p.totalTime / time.Duration(p.stats.TotalQueries)

	switch {
	case res.Handled && res.Source == SourceCache:
		p.stats.CacheHits++
	case res.Handled:
		p.stats.EdgeHits++
	default:
		p.stats.Fallbacks++
	}
}

// ── Rule and context management ───────────────────────────────────────────────

// AddQuery registers a rule, replacing any rule with the same ID. Patterns
// are normalized at registration so matching compares like with like.
func (p *Processor) AddQuery(rule *Rule) error {
	if rule == nil || rule.ID == "" {
		return errors.New("edge: rule must have an ID")
	}
	if len(rule.Patterns) == 0 {
		return fmt.Errorf("edge: rule %q has no patterns", rule.ID)
	}
	if rule.Response.Text == "" && rule.Response.Fn == nil {
		return fmt.Errorf("edge: rule %q has no response", rule.ID)
	}

	normalized := make([]string, len(rule.Patterns))
	for i, pat := range rule.Patterns {
		normalized[i] = normalize(pat)
	}
	rule.Patterns = normalized

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return ErrDestroyed
	}
	if _, exists := p.rules[rule.ID]; !exists {
		p.order = append(p.order, rule.ID)
	}
	p.rules[rule.ID] = rule
	return nil
}

// RemoveQuery deletes the rule with the given ID, reporting whether it
// existed.
func (p *Processor) RemoveQuery(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.rules[id]; !ok {
		return false
	}
	delete(p.rules, id)
	for i, rid := range p.order {
		if rid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

// AddSynonyms registers an additional synonym group; the first word is the
// canonical form.
func (p *Processor) AddSynonyms(group []string) {
	if len(group) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	canonical := normalize(group[0])
	for _, w := range group {
		p.syn[normalize(w)] = canonical
	}
}

// UpdateContext stashes caller-supplied context values used for
// context-required rule gating on subsequent queries.
func (p *Processor) UpdateContext(values map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for k, v := range values {
		p.qctx[k] = v
	}
}

// ClearCache drops every cached response.
func (p *Processor) ClearCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.clear()
}

// GetConfig returns the current configuration.
func (p *Processor) GetConfig() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// UpdateConfig replaces the configuration. Takes effect for subsequent
// queries; in-flight queries finish under the config they started with.
func (p *Processor) UpdateConfig(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// GetMetrics returns a snapshot of the processor counters.
func (p *Processor) GetMetrics() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := p.stats
	s.CacheSize = p.cache.len()
	s.RuleCount = len(p.rules)
	return s
}

// ── Learning persistence ──────────────────────────────────────────────────────

// ExportLearning returns a deep copy of the learning table.
func (p *Processor) ExportLearning() LearningData {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.learning.clone()
}

// ImportLearning merges previously exported data into the learning table.
// Existing entries for the same (rule, pattern) pair are overwritten.
func (p *Processor) ImportLearning(data LearningData) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for k, v := range data.clone() {
		p.learning[k] = v
	}
}

// LoadLearning restores the learning table from the attached store. A
// processor without a store is a no-op.
func (p *Processor) LoadLearning(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	data, err := p.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("edge: load learning data: %w", err)
	}
	p.ImportLearning(data)
	slog.Info("edge: learning data loaded", "patterns", len(data))
	return nil
}

// Destroy flushes learning data to the store (when attached) and clears all
// in-memory state. Idempotent; the processor declines all queries afterwards.
func (p *Processor) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	data := p.learning.clone()
	p.learning = make(LearningData)
	p.cache.clear()
	p.rules = make(map[string]*Rule)
	p.order = nil
	p.qctx = make(map[string]any)
	store := p.store
	p.mu.Unlock()

	if store != nil && len(data) > 0 {
		if err := store.Save(ctx, data); err != nil {
			return fmt.Errorf("edge: flush learning data: %w", err)
		}
	}
	slog.Info("edge: processor destroyed", "flushed_patterns", len(data))
	return nil
}
