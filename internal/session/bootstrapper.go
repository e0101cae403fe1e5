// Package session runs the storefront's one-shot startup routine: it
// propagates the shopper's session token, refreshes the cart either
// immediately or on first interaction, and recovers from broken sessions by
// clearing cookies and reloading, guarded so it can never loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/storefront/internal/config"
	"github.com/l0p7/storefront/internal/graphql"
	"github.com/l0p7/storefront/internal/interaction"
	"github.com/l0p7/storefront/internal/logging"
	"github.com/l0p7/storefront/internal/metrics"
	"github.com/l0p7/storefront/internal/storage"
	"github.com/l0p7/storefront/internal/templates"
)

// Storage keys holding the reload guard. They live outside the product cache
// version prefix so a cache bump never resets the guard.
const (
	ReloadTimestampKey = "init-reload-timestamp"
	ReloadCountKey     = "init-reload-count"
)

const defaultHeaderTemplate = "Session {{ .Token }}"

// FatalMessages are GraphQL error messages that mean the stored session can
// never succeed against this server.
var FatalMessages = []string{
	"The iss do not match with this server",
	"Invalid session token",
}

type State string

const (
	StateNotStarted            State = "not-started"
	StateDeciding              State = "deciding"
	StateImmediateRun          State = "immediate-run"
	StateWaitingForInteraction State = "waiting-for-interaction"
	StateRunning               State = "running"
	StateSucceeded             State = "succeeded"
	StateFailedRecovering      State = "failed-recovering"
	StateFailedBlocked         State = "failed-blocked"
)

// Decision reasons reported in Snapshot.
const (
	ReasonReloadLoop     = "reload-loop"
	ReasonDevelopment    = "development"
	ReasonPrivilegedPath = "privileged-path"
	ReasonEagerInit      = "lazy-init-disabled"
	ReasonNoInteractions = "no-interaction-source"
	ReasonInteraction    = "interaction"
)

// Recovery outcomes reported to metrics.
const (
	recoveryReloaded = "reloaded"
	recoveryBlocked  = "blocked"
	recoverySkipped  = "skipped"
	recoveryAborted  = "aborted"
)

// Options wires a Bootstrapper. Cart, Transport and Cookies are required.
type Options struct {
	Config config.StorefrontConfig
	// ServerRender marks a non-client execution context; Start does nothing.
	ServerRender bool

	Storage      storage.Storage
	Interactions interaction.Source
	Transport    Transport
	Cart         Cart
	Auth         Auth
	Cookies      Cookies
	Router       Router
	Reloader     Reloader
	Renderer     *templates.Renderer

	Clock   func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Snapshot is a point-in-time view of the bootstrapper for diagnostics.
type Snapshot struct {
	State    State     `json:"state"`
	Decision string    `json:"decision,omitempty"`
	Policy   string    `json:"policy"`
	HasToken bool      `json:"hasToken"`
	Runs     int       `json:"runs"`
	RunID    string    `json:"runId,omitempty"`
	Updated  time.Time `json:"updated"`
}

// Bootstrapper is the per-page session startup state machine.
type Bootstrapper struct {
	cfg          config.StorefrontConfig
	serverRender bool
	store        storage.Storage
	interactions interaction.Source
	transport    Transport
	cart         Cart
	auth         Auth
	cookies      Cookies
	router       Router
	reloader     Reloader
	header       *templates.HeaderTemplate
	clock        func() time.Time
	logger       *slog.Logger
	metrics      *metrics.Recorder

	startOnce sync.Once
	runOnce   sync.Once
	recoverMu sync.Mutex

	mu       sync.RWMutex
	state    State
	decision string
	hasToken bool
	runs     int
	runID    string
	updated  time.Time
	sub      *interaction.Subscription
}

// New validates the collaborators and compiles the session header template.
// Cart, Transport and Cookies are required; Auth is required only for the
// counted-guard-with-logout policy.
func New(opts Options) (*Bootstrapper, error) {
	if opts.Cart == nil {
		return nil, errors.New("session: cart collaborator required")
	}
	if opts.Transport == nil {
		return nil, errors.New("session: transport collaborator required")
	}
	if opts.Cookies == nil {
		return nil, errors.New("session: cookie collaborator required")
	}
	if opts.Config.Recovery.Policy == config.RecoveryPolicyCountedLogout && opts.Auth == nil {
		return nil, errors.New("session: counted-guard-with-logout requires an auth collaborator")
	}

	renderer := opts.Renderer
	if renderer == nil {
		renderer = templates.NewRenderer()
	}
	source := opts.Config.Session.HeaderTemplate
	if strings.TrimSpace(source) == "" {
		source = defaultHeaderTemplate
	}
	header, err := renderer.CompileHeader("session-header", source)
	if err != nil {
		return nil, fmt.Errorf("session: header template: %w", err)
	}

	b := &Bootstrapper{
		cfg:          opts.Config,
		serverRender: opts.ServerRender,
		store:        opts.Storage,
		interactions: opts.Interactions,
		transport:    opts.Transport,
		cart:         opts.Cart,
		auth:         opts.Auth,
		cookies:      opts.Cookies,
		router:       opts.Router,
		reloader:     opts.Reloader,
		header:       header,
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		state:        StateNotStarted,
	}
	if b.store == nil {
		b.store = storage.Unavailable{}
	}
	if b.clock == nil {
		b.clock = time.Now
	}
	if b.router == nil {
		path := opts.Config.Path
		b.router = RouterFunc(func() string { return path })
	}
	b.logger = logging.OrDiscard(opts.Logger).With(slog.String("agent", "session"))
	b.updated = b.clock()
	return b, nil
}

// Start runs the state machine. Only the first call has any effect.
func (b *Bootstrapper) Start(ctx context.Context) {
	if b.serverRender {
		b.logger.Debug("skipping bootstrap outside client context")
		return
	}
	b.startOnce.Do(func() { b.start(ctx) })
}

func (b *Bootstrapper) start(ctx context.Context) {
	b.transition(StateDeciding)

	if elapsed, ok := b.sinceLastReload(ctx); ok && elapsed < b.cfg.Recovery.Cooldown() {
		b.setDecision(ReasonReloadLoop)
		b.logger.Error("reload loop detected, aborting bootstrap", slog.Duration("since_reload", elapsed))
		b.transition(StateFailedBlocked)
		return
	}

	path := b.router.CurrentPath()
	reason := b.immediateReason(path)
	if reason == "" && b.interactions == nil {
		reason = ReasonNoInteractions
	}
	b.logger.Info("bootstrap decision",
		slog.String("path", path),
		slog.Bool("immediate", reason != ""),
		slog.String("reason", reason),
		slog.Bool("lazy_init", b.cfg.LazyInit),
	)

	if reason != "" {
		b.setDecision(reason)
		b.transition(StateImmediateRun)
		b.run(ctx)
		return
	}

	b.transition(StateWaitingForInteraction)
	sub := b.interactions.Once(interaction.DefaultKinds, func(kind interaction.Kind) {
		b.setDecision(ReasonInteraction + ":" + string(kind))
		b.run(ctx)
	})
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
}

func (b *Bootstrapper) immediateReason(path string) string {
	if b.cfg.Development {
		return ReasonDevelopment
	}
	for _, privileged := range b.cfg.PrivilegedPaths {
		if privileged != "" && strings.Contains(path, privileged) {
			return ReasonPrivilegedPath
		}
	}
	if !b.cfg.LazyInit {
		return ReasonEagerInit
	}
	return ""
}

func (b *Bootstrapper) run(ctx context.Context) {
	ran := false
	b.runOnce.Do(func() {
		ran = true
		b.execute(ctx)
	})
	if !ran {
		b.logger.Debug("bootstrap already ran")
	}
}

func (b *Bootstrapper) execute(ctx context.Context) {
	runID := uuid.NewString()
	b.mu.Lock()
	b.runs++
	b.runID = runID
	b.mu.Unlock()
	logger := b.logger.With(slog.String("run_id", runID))
	b.transition(StateRunning)

	if token, ok := b.cookies.Get(b.cfg.Session.Cookie, b.cfg.Domain); ok {
		value, err := b.header.Render(templates.SessionData{
			Token:  token,
			Domain: b.cfg.Domain,
			Path:   b.router.CurrentPath(),
		})
		if err != nil {
			logger.Warn("session header render failed", slog.Any("error", err))
		} else {
			b.transport.SetHeaders(map[string]string{b.cfg.Session.Header: value})
			b.mu.Lock()
			b.hasToken = true
			b.mu.Unlock()
			logger.Debug("session token propagated")
		}
	} else {
		logger.Debug("no session token")
	}

	success := b.cart.RefreshCart(ctx)
	logger.Info("cart refresh finished", slog.Bool("success", success))

	b.transport.OnError(func(terr graphql.TransportError) {
		b.handleTransportError(ctx, logger, terr)
	})

	if success {
		b.transition(StateSucceeded)
		if err := b.ClearReloadGuard(ctx); err != nil && !errors.Is(err, storage.ErrUnavailable) {
			logger.Warn("reload guard cleanup failed", slog.Any("error", err))
		}
		return
	}

	b.transition(StateFailedRecovering)
	b.recoverCartFailure(ctx, logger)
}

func (b *Bootstrapper) recoverCartFailure(ctx context.Context, logger *slog.Logger) {
	policy := b.cfg.Recovery.Policy
	switch policy {
	case config.RecoveryPolicyCountedLogout, config.RecoveryPolicySimpleGuard:
	default:
		logger.Warn("cart refresh failed, continuing without recovery")
		b.metrics.ObserveRecovery(config.RecoveryPolicyNone, recoverySkipped)
		return
	}

	attempt, ok := b.claimReload(ctx, logger, policy)
	if !ok {
		b.transition(StateFailedBlocked)
		return
	}
	b.reload(ctx, logger, policy, attempt, policy == config.RecoveryPolicyCountedLogout)
}

func (b *Bootstrapper) handleTransportError(ctx context.Context, logger *slog.Logger, terr graphql.TransportError) {
	if !terr.HasGraphQLErrors() {
		logger.Warn("transport error (non-critical)", slog.Int("status", terr.StatusCode), slog.Any("error", terr.Err))
		return
	}
	logger.Error("graphql error", slog.Any("messages", terr.Messages))
	if !IsFatal(terr.FirstMessage()) {
		return
	}
	if _, ok := b.claimReload(ctx, logger, config.RecoveryPolicySimpleGuard); !ok {
		return
	}
	logger.Warn("fatal session error, clearing cookies and reloading", slog.String("message", terr.FirstMessage()))
	b.reload(ctx, logger, config.RecoveryPolicySimpleGuard, 0, false)
}

// claimReload checks the guard for policy and, when a reload is allowed,
// persists the new guard before returning. The returned attempt is the
// persisted count for the counted policy and 0 otherwise. Guard checks and
// writes are serialized so concurrent failures cannot both reload.
func (b *Bootstrapper) claimReload(ctx context.Context, logger *slog.Logger, policy string) (int, bool) {
	b.recoverMu.Lock()
	defer b.recoverMu.Unlock()

	elapsed, seen := b.sinceLastReload(ctx)
	attempt := 0
	if policy == config.RecoveryPolicyCountedLogout {
		count := b.reloadCount(ctx)
		if seen && elapsed > b.cfg.Recovery.AttemptWindow() {
			count = 0
		}
		if count >= b.cfg.Recovery.MaxAttempts {
			logger.Error("reload attempts exhausted, leaving session degraded", slog.Int("attempts", count))
			b.metrics.ObserveRecovery(policy, recoveryBlocked)
			return 0, false
		}
		attempt = count + 1
	} else if seen && elapsed < b.cfg.Recovery.Cooldown() {
		logger.Error("already reloaded recently, not reloading again", slog.Duration("since_reload", elapsed))
		b.metrics.ObserveRecovery(policy, recoveryBlocked)
		return 0, false
	}

	now := b.clock().UnixMilli()
	if err := b.store.Set(ctx, ReloadTimestampKey, strconv.FormatInt(now, 10)); err != nil {
		logger.Error("reload guard not persisted, skipping reload", slog.Any("error", err))
		b.metrics.ObserveRecovery(policy, recoveryAborted)
		return 0, false
	}
	if attempt > 0 {
		if err := b.store.Set(ctx, ReloadCountKey, strconv.Itoa(attempt)); err != nil {
			logger.Error("reload count not persisted, skipping reload", slog.Any("error", err))
			b.metrics.ObserveRecovery(policy, recoveryAborted)
			return 0, false
		}
	}
	return attempt, true
}

// reload runs the destructive half of recovery once the guard is persisted.
func (b *Bootstrapper) reload(ctx context.Context, logger *slog.Logger, policy string, attempt int, logout bool) {
	b.cookies.ClearAll()
	if logout && b.auth != nil {
		if err := b.auth.LogoutUser(ctx); err != nil {
			logger.Warn("logout failed", slog.Any("error", err))
		}
	}

	b.metrics.ObserveRecovery(policy, recoveryReloaded)
	logger.Warn("reloading page", slog.String("policy", policy), slog.Int("attempt", attempt))
	if b.reloader != nil {
		b.reloader.Reload()
	}
}

// IsFatal reports whether message is one of FatalMessages.
func IsFatal(message string) bool {
	for _, fatal := range FatalMessages {
		if message == fatal {
			return true
		}
	}
	return false
}

func (b *Bootstrapper) sinceLastReload(ctx context.Context) (time.Duration, bool) {
	raw, ok, err := b.store.Get(ctx, ReloadTimestampKey)
	if err != nil {
		b.logger.Warn("reload guard read failed", slog.Any("error", err))
		return 0, false
	}
	if !ok {
		return 0, false
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		b.logger.Warn("reload guard malformed", slog.String("value", raw))
		return 0, false
	}
	return time.Duration(b.clock().UnixMilli()-ts) * time.Millisecond, true
}

func (b *Bootstrapper) reloadCount(ctx context.Context) int {
	raw, ok, err := b.store.Get(ctx, ReloadCountKey)
	if err != nil || !ok {
		return 0
	}
	count, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || count < 0 {
		return 0
	}
	return count
}

// ClearReloadGuard removes the persisted reload timestamp and attempt count.
func (b *Bootstrapper) ClearReloadGuard(ctx context.Context) error {
	return errors.Join(
		b.store.Remove(ctx, ReloadCountKey),
		b.store.Remove(ctx, ReloadTimestampKey),
	)
}

// Stop detaches a pending interaction subscription. A run already in
// progress is not interrupted.
func (b *Bootstrapper) Stop() {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	sub.Cancel()
}

// State returns the current state.
func (b *Bootstrapper) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Snapshot is a consistent copy of the bootstrap progress for reporting.
func (b *Bootstrapper) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		State:    b.state,
		Decision: b.decision,
		Policy:   b.cfg.Recovery.Policy,
		HasToken: b.hasToken,
		Runs:     b.runs,
		RunID:    b.runID,
		Updated:  b.updated,
	}
}

func (b *Bootstrapper) setDecision(reason string) {
	b.mu.Lock()
	b.decision = reason
	b.mu.Unlock()
}

func (b *Bootstrapper) transition(next State) {
	b.mu.Lock()
	prev := b.state
	b.state = next
	b.updated = b.clock()
	b.mu.Unlock()
	b.metrics.ObserveBootstrapTransition(string(next))
	b.logger.Debug("bootstrap transition", slog.String("from", string(prev)), slog.String("to", string(next)))
}
