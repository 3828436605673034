package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/parley/internal/metrics"
	"github.com/harun/parley/internal/tracing"
)

const (
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = time.Second
	defaultCooldownStep   = time.Minute
)

// ModelCaller is the model-call collaborator of the loop. Implementations
// own any retry policy.
type ModelCaller interface {
	Call(ctx context.Context, backendID string, request LLMRequest) (*LLMResponse, error)
}

// ModelCallerFunc adapts a function to ModelCaller.
type ModelCallerFunc func(ctx context.Context, backendID string, request LLMRequest) (*LLMResponse, error)

func (f ModelCallerFunc) Call(ctx context.Context, backendID string, request LLMRequest) (*LLMResponse, error) {
	return f(ctx, backendID, request)
}

// BackendSpec names one model pool and the credentials it may use.
type BackendSpec struct {
	ID       string
	Provider string
	Model    string
	BaseURL  string
	// MaxRetries bounds attempts per profile for retryable errors.
	MaxRetries int
	// Profiles are tried in priority order. A backend without profiles uses
	// a single keyless profile, which suits a local Ollama.
	Profiles []AuthProfile
}

// BackendsOptions configures a Backends set.
type BackendsOptions struct {
	Factory ProviderBuilder
	Metrics *metrics.Metrics
	Logger  *zerolog.Logger
	// RetryBaseDelay is the first backoff step; each retry doubles it.
	RetryBaseDelay time.Duration
	// CooldownStep is multiplied by a profile's consecutive failures.
	CooldownStep time.Duration
	Now          func() time.Time
}

type backendState struct {
	spec      BackendSpec
	mu        sync.Mutex
	profiles  []AuthProfile
	providers map[string]LLMProvider
}

// Backends is the ModelCaller over configured provider backends. It retries
// retryable errors with exponential backoff and fails over between auth
// profiles, putting failed profiles into cooldown.
type Backends struct {
	mu       sync.RWMutex
	backends map[string]*backendState
	opts     BackendsOptions
	logger   zerolog.Logger
}

var _ ModelCaller = (*Backends)(nil)

// NewBackends creates an empty backend set.
func NewBackends(opts BackendsOptions) *Backends {
	if opts.Factory == nil {
		opts.Factory = &ProviderFactory{}
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = defaultRetryBaseDelay
	}
	if opts.CooldownStep <= 0 {
		opts.CooldownStep = defaultCooldownStep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Backends{
		backends: make(map[string]*backendState),
		opts:     opts,
		logger:   logger.With().Str("component", "backends").Logger(),
	}
}

// Add registers or replaces a backend.
func (b *Backends) Add(spec BackendSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("backend id is required")
	}
	if spec.Provider == "" {
		return fmt.Errorf("backend %s: provider is required", spec.ID)
	}
	if spec.MaxRetries <= 0 {
		spec.MaxRetries = defaultMaxRetries
	}
	profiles := make([]AuthProfile, len(spec.Profiles))
	copy(profiles, spec.Profiles)
	if len(profiles) == 0 {
		profiles = []AuthProfile{{ID: spec.ID, Provider: spec.Provider}}
	}
	sortProfilesByPriority(profiles)

	b.mu.Lock()
	b.backends[spec.ID] = &backendState{
		spec:      spec,
		profiles:  profiles,
		providers: make(map[string]LLMProvider),
	}
	b.mu.Unlock()
	return nil
}

// IDs returns the registered backend ids in sorted order.
func (b *Backends) IDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.backends))
	for id := range b.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Profiles returns a snapshot of a backend's profiles, including cooldowns.
func (b *Backends) Profiles(backendID string) []AuthProfile {
	b.mu.RLock()
	st, ok := b.backends[backendID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]AuthProfile, len(st.profiles))
	copy(out, st.profiles)
	return out
}

// Call sends request to the backend. The backend's model is used when the
// request does not name one.
func (b *Backends) Call(ctx context.Context, backendID string, request LLMRequest) (*LLMResponse, error) {
	b.mu.RLock()
	st, ok := b.backends[backendID]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend: %s", backendID)
	}
	if request.Model == "" {
		request.Model = st.spec.Model
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "model.call",
		attribute.String("backend", backendID),
		attribute.String("provider", st.spec.Provider),
		attribute.String("model", request.Model),
	)
	start := time.Now()
	resp, err := b.executeWithFailover(ctx, st, request)

	status := "ok"
	in, out := 0, 0
	if err != nil {
		status = "error"
	} else if resp.Usage != nil {
		in, out = resp.Usage.InputTokens, resp.Usage.OutputTokens
	}
	b.opts.Metrics.RecordModelCall(backendID, status, time.Since(start), in, out)
	tracing.EndSpan(span, err)
	return resp, err
}

// executeWithFailover executes with auth profile failover
func (b *Backends) executeWithFailover(ctx context.Context, st *backendState, request LLMRequest) (*LLMResponse, error) {
	st.mu.Lock()
	profiles := make([]AuthProfile, len(st.profiles))
	copy(profiles, st.profiles)
	st.mu.Unlock()
	logger := tracing.LoggerFromContext(ctx, b.logger).With().Str("backend", st.spec.ID).Logger()

	var lastErr error
	tried := 0

	for _, profile := range profiles {
		// Skip profiles in cooldown
		if profile.CooldownUntil != nil && b.opts.Now().UnixMilli() < *profile.CooldownUntil {
			logger.Debug().Str("profileId", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}
		tried++

		provider, err := st.provider(b.opts.Factory, profile)
		if err != nil {
			lastErr = err
			logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		resp, err := b.callWithRetry(ctx, provider, request, st.spec.MaxRetries, logger)
		if err == nil {
			st.markSuccess(profile.ID)
			return resp, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		// A request-specific error says nothing about the profile, which
		// other conversations share.
		if !IsRetryableError(err) && !IsAuthError(err) {
			return nil, err
		}
		logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Auth profile failed")
		st.markFailure(profile.ID, b.opts.Now(), b.opts.CooldownStep)
	}

	if tried == 0 {
		return nil, fmt.Errorf("all auth profiles of backend %s are cooling down", st.spec.ID)
	}
	logger.Error().Err(lastErr).Msg("All auth profiles failed")
	return nil, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

// callWithRetry calls the provider with exponential backoff retry
func (b *Backends) callWithRetry(ctx context.Context, provider LLMProvider, request LLMRequest, maxRetries int, logger zerolog.Logger) (*LLMResponse, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		response, err := provider.Call(ctx, request)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return nil, err
		}
		if attempt == maxRetries-1 {
			break
		}

		delay := b.opts.RetryBaseDelay * time.Duration(1<<attempt)
		logger.Info().Int("attempt", attempt+1).Dur("delay", delay).Err(err).Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, lastErr)
}

func (st *backendState) provider(factory ProviderBuilder, profile AuthProfile) (LLMProvider, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if p, ok := st.providers[profile.ID]; ok {
		return p, nil
	}
	providerName := profile.Provider
	if providerName == "" {
		providerName = st.spec.Provider
	}
	p, err := factory.NewProvider(ProviderSpec{
		Provider: providerName,
		APIKey:   profile.APIKey,
		BaseURL:  st.spec.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	st.providers[profile.ID] = p
	return p, nil
}

// markSuccess resets failure count for a profile
func (st *backendState) markSuccess(profileID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := range st.profiles {
		if st.profiles[i].ID == profileID {
			st.profiles[i].FailureCount = 0
			st.profiles[i].CooldownUntil = nil
			break
		}
	}
}

// markFailure puts a profile into cooldown proportional to its failures.
func (st *backendState) markFailure(profileID string, now time.Time, step time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := range st.profiles {
		if st.profiles[i].ID == profileID {
			st.profiles[i].FailureCount++
			until := now.Add(step * time.Duration(st.profiles[i].FailureCount)).UnixMilli()
			st.profiles[i].CooldownUntil = &until
			break
		}
	}
}

// sortProfilesByPriority sorts profiles by priority (lower = higher priority)
func sortProfilesByPriority(profiles []AuthProfile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})
}
