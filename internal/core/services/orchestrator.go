package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/launcher/internal/config"
	"github.com/openclaw/launcher/internal/core/domain"
	"github.com/openclaw/launcher/internal/core/ports"
	"github.com/openclaw/launcher/internal/workspace"
)

// AllowlistController is the slice of the egress proxy's configuration the
// orchestrator mutates: per-source destination overrides.
type AllowlistController interface {
	SetOverride(source string, hosts []string)
	ClearOverride(source string)
	Global() []string
}

// Orchestrator turns (wallet, intent) pairs into registry mutations and
// runtime calls. All state-changing paths run under the registry's
// exclusive cross-process access.
type Orchestrator struct {
	cfg       *config.Config
	registry  ports.Registry
	runtime   ports.ContainerRuntime
	workspace *workspace.Manager
	cache     *StatusCache
	restarts  *RestartCounters
	allowlist AllowlistController
	log       zerolog.Logger

	// now is injectable so tests can observe timestamp advancement.
	now func() time.Time
}

func NewOrchestrator(
	cfg *config.Config,
	reg ports.Registry,
	runtime ports.ContainerRuntime,
	ws *workspace.Manager,
	cache *StatusCache,
	restarts *RestartCounters,
	allowlist AllowlistController,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		registry:  reg,
		runtime:   runtime,
		workspace: ws,
		cache:     cache,
		restarts:  restarts,
		allowlist: allowlist,
		log:       log.With().Str("component", "orchestrator").Logger(),
		now:       time.Now,
	}
}

// Launch creates or restarts the instance for a wallet key. On first
// launch and on restart the returned record includes the gateway token;
// a conflict with a running instance returns domain.ConflictError carrying
// the token-redacted record.
func (o *Orchestrator) Launch(ctx context.Context, pubkey string) (string, domain.Instance, error) {
	pubkey = strings.TrimSpace(pubkey)
	if err := domain.ValidatePubKey(pubkey); err != nil {
		return "", domain.Instance{}, err
	}
	identity := domain.IdentityFor(pubkey)
	name := domain.ContainerName(identity)

	var result domain.Instance
	err := o.registry.WithExclusive(ctx, func(doc *domain.Document) error {
		if existing, ok := doc.Instances[identity]; ok {
			return o.restart(ctx, doc, identity, name, existing, &result)
		}
		return o.create(ctx, doc, identity, name, pubkey, &result)
	})
	if err != nil {
		return identity, domain.Instance{}, err
	}
	return identity, result, nil
}

// restart handles launch against an existing record: conflict if running,
// otherwise start the existing container and advance last_started.
func (o *Orchestrator) restart(ctx context.Context, doc *domain.Document, identity, name string, existing domain.Instance, result *domain.Instance) error {
	status, err := o.runtime.Status(ctx, name)
	if err != nil {
		return err
	}
	if status == domain.StatusRunning {
		return &domain.ConflictError{Identity: identity, Instance: existing.Redacted()}
	}

	if err := o.runtime.Start(ctx, name); err != nil {
		return err
	}
	o.settle(ctx)

	o.cache.ClearExplicitStop(identity)

	// Re-query after the settle wait so the cache reflects what actually
	// came up, not what was asked for.
	if status, err = o.runtime.Status(ctx, name); err == nil {
		o.cache.Set(identity, StatusEntry{Status: status, ObservedAt: o.now()})
	} else {
		o.cache.Invalidate(identity)
	}

	// The token is unchanged on restart; only the timestamp moves.
	existing.LastStarted = o.now().Unix()
	doc.Instances[identity] = existing

	o.log.Info().Str("instance", identity).Int("port", existing.Port).Msg("instance restarted")
	*result = existing
	return nil
}

// create handles first launch: capacity check, port and token allocation,
// workspace materialization, hardened container creation. The registry
// record is written only after the runtime confirms the container, so an
// interrupted launch never leaves an orphan record.
func (o *Orchestrator) create(ctx context.Context, doc *domain.Document, identity, name, pubkey string, result *domain.Instance) error {
	if len(doc.Instances) >= o.cfg.MaxInstances {
		return fmt.Errorf("%w (limit %d)", domain.ErrCapacityExceeded, o.cfg.MaxInstances)
	}

	port := doc.NextPort(o.cfg.BasePort)
	token, err := newGatewayToken()
	if err != nil {
		return err
	}
	if err := o.workspace.Prepare(identity, pubkey, token, o.cfg.GatewayPort); err != nil {
		return fmt.Errorf("prepare workspace: %w", err)
	}

	containerID, err := o.runtime.CreateAndStart(ctx, o.containerSpec(name, port, token))
	if err != nil {
		// Directories and token were prepared but the registry is left
		// untouched; a retried launch for the same wallet reuses the
		// same identity and directories.
		return err
	}

	now := o.now().Unix()
	instance := domain.Instance{
		PubKey:       pubkey,
		Port:         port,
		GatewayToken: token,
		Created:      now,
		LastStarted:  now,
		ContainerID:  shortID(containerID),
	}
	doc.Instances[identity] = instance
	o.cache.SeedStarting(identity)

	o.log.Info().Str("instance", identity).Int("port", port).Msg("instance created")
	*result = instance
	return nil
}

// Stop gracefully stops a wallet's instance. Data on disk is untouched.
func (o *Orchestrator) Stop(ctx context.Context, pubkey string) (string, error) {
	pubkey = strings.TrimSpace(pubkey)
	if err := domain.ValidatePubKey(pubkey); err != nil {
		return "", err
	}
	identity := domain.IdentityFor(pubkey)

	if err := o.runtime.Stop(ctx, domain.ContainerName(identity), o.cfg.StopGrace); err != nil {
		return identity, err
	}
	o.cache.MarkExplicitStop(identity)
	o.cache.Invalidate(identity)
	o.log.Info().Str("instance", identity).Msg("instance stopped")
	return identity, nil
}

// Destroy removes the container and the registry record. Working
// directories are intentionally left on disk.
func (o *Orchestrator) Destroy(ctx context.Context, pubkey string) (string, error) {
	pubkey = strings.TrimSpace(pubkey)
	if err := domain.ValidatePubKey(pubkey); err != nil {
		return "", err
	}
	identity := domain.IdentityFor(pubkey)
	name := domain.ContainerName(identity)

	// Resolve the egress-bridge address while the container still exists;
	// inspection is impossible after the remove, and a lingering override
	// would be inherited by whichever container reuses the address.
	overrideKey := ""
	if addr, err := o.runtime.Address(ctx, name, o.cfg.Egress.Network); err == nil {
		overrideKey = addr
	}

	if err := o.runtime.Stop(ctx, name, o.cfg.DestroyGrace); err != nil {
		if errors.Is(err, domain.ErrRuntimeUnavailable) {
			return identity, err
		}
		// Already stopped or already gone: keep going.
	}
	if err := o.runtime.Remove(ctx, name, true); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return identity, err
	}

	err := o.registry.WithExclusive(ctx, func(doc *domain.Document) error {
		delete(doc.Instances, identity)
		return nil
	})
	if err != nil {
		return identity, err
	}

	o.cache.Remove(identity)
	o.restarts.Reset(identity)
	if overrideKey != "" {
		o.allowlist.ClearOverride(overrideKey)
	}
	o.log.Info().Str("instance", identity).Msg("instance destroyed")
	return identity, nil
}

// GrantEgress installs a per-instance egress allowlist: the global default
// plus the extra hosts, keyed by the container's address on the egress
// bridge.
func (o *Orchestrator) GrantEgress(ctx context.Context, identity string, hosts []string) error {
	doc := o.registry.Load()
	if _, ok := doc.Instances[identity]; !ok {
		return domain.ErrNotFound
	}
	addr, err := o.runtime.Address(ctx, domain.ContainerName(identity), o.cfg.Egress.Network)
	if err != nil {
		return err
	}
	o.allowlist.SetOverride(addr, append(o.allowlist.Global(), hosts...))
	o.log.Info().Str("instance", identity).Strs("hosts", hosts).Msg("egress grant installed")
	return nil
}

// RevokeEgress removes a per-instance allowlist override, reverting the
// instance to the global default.
func (o *Orchestrator) RevokeEgress(ctx context.Context, identity string) error {
	addr, err := o.runtime.Address(ctx, domain.ContainerName(identity), o.cfg.Egress.Network)
	if err != nil {
		return err
	}
	o.allowlist.ClearOverride(addr)
	return nil
}

// containerSpec builds the hardened container description for one
// instance, with proxy environment pointing every HTTP client inside the
// sandbox at the egress proxy.
func (o *Orchestrator) containerSpec(name string, port int, token string) domain.ContainerSpec {
	proxyURL := "http://" + o.cfg.Egress.ListenAddr
	identity := strings.TrimPrefix(name, "openclaw-")
	return domain.ContainerSpec{
		Name:  name,
		Image: o.cfg.Image,
		Cmd: []string{
			"node", "dist/index.js", "gateway",
			"--bind", "lan", "--port", strconv.Itoa(o.cfg.GatewayPort),
		},
		Env: map[string]string{
			"HOME":                   "/home/node",
			"TERM":                   "xterm-256color",
			"OPENCLAW_GATEWAY_TOKEN": token,
			"HTTP_PROXY":             proxyURL,
			"HTTPS_PROXY":            proxyURL,
			"http_proxy":             proxyURL,
			"https_proxy":            proxyURL,
			"NO_PROXY":               o.cfg.Egress.NoProxy,
			"no_proxy":               o.cfg.Egress.NoProxy,
		},
		ConfigDir:    o.workspace.ConfigDir(identity),
		WorkspaceDir: o.workspace.WorkspaceDir(identity),
		GatewayPort:  o.cfg.GatewayPort,
		HostIP:       o.cfg.BindIP,
		HostPort:     port,
		MemoryBytes:  o.cfg.MemoryBytes,
		NanoCPUs:     o.cfg.NanoCPUs,
		Network:      o.cfg.Egress.Network,
	}
}

// settle waits briefly after a start so the follow-up status read reflects
// the container actually coming up.
func (o *Orchestrator) settle(ctx context.Context) {
	if o.cfg.StartSettle <= 0 {
		return
	}
	select {
	case <-time.After(o.cfg.StartSettle):
	case <-ctx.Done():
	}
}

// newGatewayToken returns an opaque random hex credential.
func newGatewayToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate gateway token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
