package services

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/launcher/internal/config"
	"github.com/openclaw/launcher/internal/core/domain"
	"github.com/openclaw/launcher/internal/egress"
	"github.com/openclaw/launcher/internal/workspace"
)

const testPubKey = "7Np41oeYqPefeNQEHSv1UDhYrehxin3NStELsSKCT4K2"

func testConfig() *config.Config {
	return &config.Config{
		Image:        "openclaw:test",
		BasePort:     19000,
		MaxInstances: 3,
		GatewayPort:  18789,
		BindIP:       "127.0.0.1",
		MemoryBytes:  512 * 1024 * 1024,
		NanoCPUs:     500_000_000,
		StartSettle:  0,
		StopGrace:    time.Second,
		DestroyGrace: time.Second,
		Egress: config.Egress{
			ListenAddr: "172.28.0.1:3128",
			Network:    "openclaw-egress",
			NoProxy:    "localhost,127.0.0.1",
		},
	}
}

type orchestratorFixture struct {
	orchestrator *Orchestrator
	registry     *memRegistry
	runtime      *fakeRuntime
	cache        *StatusCache
	restarts     *RestartCounters
	allowlist    *egress.Allowlist
	workspace    *workspace.Manager
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	cfg := testConfig()
	reg := newMemRegistry()
	runtime := newFakeRuntime()
	cache := NewStatusCache()
	restarts := NewRestartCounters()
	allowlist := egress.NewAllowlist([]string{"api.anthropic.com"})
	ws := workspace.NewManager(t.TempDir(), t.TempDir(), zerolog.Nop())
	return &orchestratorFixture{
		orchestrator: NewOrchestrator(cfg, reg, runtime, ws, cache, restarts, allowlist, zerolog.Nop()),
		registry:     reg,
		runtime:      runtime,
		cache:        cache,
		restarts:     restarts,
		allowlist:    allowlist,
		workspace:    ws,
	}
}

func TestLaunchCreatesInstance(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	identity, instance, err := f.orchestrator.Launch(context.Background(), testPubKey)
	if err != nil {
		t.Fatal(err)
	}

	if identity != domain.IdentityFor(testPubKey) {
		t.Fatalf("identity = %q", identity)
	}
	if instance.Port != 19000 {
		t.Fatalf("port = %d, want 19000", instance.Port)
	}
	if len(instance.GatewayToken) != 48 {
		t.Fatalf("token length = %d, want 48 hex chars", len(instance.GatewayToken))
	}
	if instance.Created == 0 || instance.Created != instance.LastStarted {
		t.Fatalf("timestamps: created=%d last_started=%d", instance.Created, instance.LastStarted)
	}

	if _, ok := f.registry.Load().Instances[identity]; !ok {
		t.Fatal("record not persisted")
	}
	if got := f.cache.Status(identity); got != domain.StatusStarting {
		t.Fatalf("cache status = %q, want starting", got)
	}
	if _, err := os.Stat(f.workspace.WorkspaceDir(identity)); err != nil {
		t.Fatalf("workspace dir missing: %v", err)
	}
}

func TestLaunchContainerSpecHardening(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	if _, _, err := f.orchestrator.Launch(context.Background(), testPubKey); err != nil {
		t.Fatal(err)
	}
	if len(f.runtime.created) != 1 {
		t.Fatalf("created %d containers, want 1", len(f.runtime.created))
	}

	spec := f.runtime.created[0]
	if spec.HostIP != "127.0.0.1" {
		t.Fatalf("host ip = %q, port must bind to the management interface", spec.HostIP)
	}
	if spec.Network != "openclaw-egress" {
		t.Fatalf("network = %q", spec.Network)
	}
	if spec.MemoryBytes != 512*1024*1024 || spec.NanoCPUs != 500_000_000 {
		t.Fatalf("resource ceilings not applied: mem=%d cpus=%d", spec.MemoryBytes, spec.NanoCPUs)
	}
	if spec.Env["HTTP_PROXY"] != "http://172.28.0.1:3128" {
		t.Fatalf("HTTP_PROXY = %q", spec.Env["HTTP_PROXY"])
	}
	if spec.Env["OPENCLAW_GATEWAY_TOKEN"] == "" {
		t.Fatal("gateway token not passed to container")
	}
	if !strings.HasPrefix(spec.Name, "openclaw-") {
		t.Fatalf("container name = %q", spec.Name)
	}
}

func TestLaunchRuntimeFailureLeavesNoRecord(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	f.runtime.createErr = errors.New("image missing")

	if _, _, err := f.orchestrator.Launch(context.Background(), testPubKey); err == nil {
		t.Fatal("expected launch failure")
	}
	if count := len(f.registry.Load().Instances); count != 0 {
		t.Fatalf("orphan record after failed launch: %d", count)
	}

	// A retry for the same wallet succeeds and reuses the same identity.
	f.runtime.createErr = nil
	identity, _, err := f.orchestrator.Launch(context.Background(), testPubKey)
	if err != nil {
		t.Fatal(err)
	}
	if identity != domain.IdentityFor(testPubKey) {
		t.Fatalf("retry produced different identity %q", identity)
	}
}

func TestLaunchConflictWhenRunning(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	identity, first, err := f.orchestrator.Launch(context.Background(), testPubKey)
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = f.orchestrator.Launch(context.Background(), testPubKey)
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("got %v, want ConflictError", err)
	}
	if conflict.Identity != identity {
		t.Fatalf("conflict identity = %q", conflict.Identity)
	}
	if conflict.Instance.GatewayToken != "" {
		t.Fatal("conflict leaked the gateway token")
	}
	if conflict.Instance.Port != first.Port {
		t.Fatalf("conflict port = %d", conflict.Instance.Port)
	}
}

func TestLaunchRestartKeepsTokenAdvancesTimestamp(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	base := time.Unix(1_700_000_000, 0)
	f.orchestrator.now = func() time.Time { return base }

	identity, first, err := f.orchestrator.Launch(context.Background(), testPubKey)
	if err != nil {
		t.Fatal(err)
	}
	f.runtime.setStatus(domain.ContainerName(identity), domain.StatusExited)
	f.orchestrator.now = func() time.Time { return base.Add(time.Hour) }

	_, second, err := f.orchestrator.Launch(context.Background(), testPubKey)
	if err != nil {
		t.Fatal(err)
	}
	if second.GatewayToken != first.GatewayToken {
		t.Fatal("restart rotated the gateway token")
	}
	if second.Created != first.Created {
		t.Fatal("restart altered the created timestamp")
	}
	if second.LastStarted != base.Add(time.Hour).Unix() {
		t.Fatalf("last_started = %d, want restart time", second.LastStarted)
	}
	if second.Port != first.Port {
		t.Fatal("restart changed the port")
	}
	if len(f.runtime.started) != 1 {
		t.Fatalf("Start called %d times, want 1", len(f.runtime.started))
	}
}

func TestLaunchInvalidPubKey(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	if _, _, err := f.orchestrator.Launch(context.Background(), "short"); !errors.Is(err, domain.ErrInvalidPubKey) {
		t.Fatalf("got %v, want ErrInvalidPubKey", err)
	}
	if len(f.runtime.created) != 0 {
		t.Fatal("invalid key must be rejected before any runtime call")
	}
}

func TestLaunchCapacityExceeded(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	for i := 0; i < 3; i++ {
		key := strings.Repeat(string(rune('a'+i)), 44)
		if _, _, err := f.orchestrator.Launch(context.Background(), key); err != nil {
			t.Fatal(err)
		}
	}

	_, _, err := f.orchestrator.Launch(context.Background(), testPubKey)
	if !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("got %v, want ErrCapacityExceeded", err)
	}
	if count := len(f.registry.Load().Instances); count != 3 {
		t.Fatalf("capacity rejection mutated the registry: %d records", count)
	}
}

func TestStopMarksExplicit(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	identity, _, err := f.orchestrator.Launch(context.Background(), testPubKey)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.orchestrator.Stop(context.Background(), testPubKey); err != nil {
		t.Fatal(err)
	}
	if len(f.runtime.stopped) != 1 {
		t.Fatalf("Stop called %d times", len(f.runtime.stopped))
	}
	if !f.cache.ExplicitStopped(identity) {
		t.Fatal("explicit stop not marked")
	}
	if _, ok := f.registry.Load().Instances[identity]; !ok {
		t.Fatal("stop must not remove the record")
	}

	// Launching again clears the mark.
	if _, _, err := f.orchestrator.Launch(context.Background(), testPubKey); err != nil {
		t.Fatal(err)
	}
	if f.cache.ExplicitStopped(identity) {
		t.Fatal("restart must clear the explicit-stop mark")
	}
}

func TestDestroyRemovesRecordKeepsWorkspace(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	identity, _, err := f.orchestrator.Launch(context.Background(), testPubKey)
	if err != nil {
		t.Fatal(err)
	}
	f.restarts.Increment(identity)

	if _, err := f.orchestrator.Destroy(context.Background(), testPubKey); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.registry.Load().Instances[identity]; ok {
		t.Fatal("record survived destroy")
	}
	if len(f.runtime.removed) != 1 {
		t.Fatalf("Remove called %d times", len(f.runtime.removed))
	}
	if f.restarts.Get(identity) != 0 {
		t.Fatal("restart counter survived destroy")
	}
	if _, err := os.Stat(f.workspace.WorkspaceDir(identity)); err != nil {
		t.Fatal("destroy must preserve the workspace directory")
	}
}

func TestDestroyFreesPortForReuse(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	keyA := strings.Repeat("a", 44)
	keyB := strings.Repeat("b", 44)

	_, instA, err := f.orchestrator.Launch(context.Background(), keyA)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.orchestrator.Launch(context.Background(), keyB); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orchestrator.Destroy(context.Background(), keyA); err != nil {
		t.Fatal(err)
	}

	_, instC, err := f.orchestrator.Launch(context.Background(), strings.Repeat("c", 44))
	if err != nil {
		t.Fatal(err)
	}
	if instC.Port != instA.Port {
		t.Fatalf("freed port %d not reused, got %d", instA.Port, instC.Port)
	}
}

func TestDestroyRuntimeUnavailableAborts(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	identity, _, err := f.orchestrator.Launch(context.Background(), testPubKey)
	if err != nil {
		t.Fatal(err)
	}

	f.runtime.stopErr = domain.ErrRuntimeUnavailable
	if _, err := f.orchestrator.Destroy(context.Background(), testPubKey); !errors.Is(err, domain.ErrRuntimeUnavailable) {
		t.Fatalf("got %v, want ErrRuntimeUnavailable", err)
	}
	if _, ok := f.registry.Load().Instances[identity]; !ok {
		t.Fatal("record must survive an aborted destroy")
	}
}

func TestGrantAndRevokeEgress(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	identity, _, err := f.orchestrator.Launch(context.Background(), testPubKey)
	if err != nil {
		t.Fatal(err)
	}
	f.runtime.addresses[domain.ContainerName(identity)] = "172.28.0.5"

	if err := f.orchestrator.GrantEgress(context.Background(), identity, []string{"github.com"}); err != nil {
		t.Fatal(err)
	}
	if !f.allowlist.Match("172.28.0.5", "github.com") {
		t.Fatal("granted host not permitted for the instance")
	}
	if !f.allowlist.Match("172.28.0.5", "api.anthropic.com") {
		t.Fatal("grant must extend the global set, not replace it")
	}
	if f.allowlist.Match("172.28.0.9", "github.com") {
		t.Fatal("grant leaked to other sources")
	}

	if err := f.orchestrator.RevokeEgress(context.Background(), identity); err != nil {
		t.Fatal(err)
	}
	if f.allowlist.Match("172.28.0.5", "github.com") {
		t.Fatal("revoke did not clear the override")
	}
}

func TestDestroyClearsEgressOverride(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	identity, _, err := f.orchestrator.Launch(context.Background(), testPubKey)
	if err != nil {
		t.Fatal(err)
	}
	f.runtime.addresses[domain.ContainerName(identity)] = "172.28.0.5"
	if err := f.orchestrator.GrantEgress(context.Background(), identity, []string{"github.com"}); err != nil {
		t.Fatal(err)
	}

	// Remove wipes the address mapping, as inspecting a removed container
	// does with the real runtime; the override must still be cleared.
	if _, err := f.orchestrator.Destroy(context.Background(), testPubKey); err != nil {
		t.Fatal(err)
	}
	if f.allowlist.Match("172.28.0.5", "github.com") {
		t.Fatal("per-source override survived destroy; a future container reusing the address would inherit the grant")
	}
	if !f.allowlist.Match("172.28.0.5", "api.anthropic.com") {
		t.Fatal("clearing the override must revert the address to the global set")
	}
}

func TestGrantEgressUnknownInstance(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	err := f.orchestrator.GrantEgress(context.Background(), "nope00000000", []string{"github.com"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
