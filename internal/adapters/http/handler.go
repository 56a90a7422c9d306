package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/openclaw/launcher/internal/core/domain"
	"github.com/openclaw/launcher/internal/core/ports"
	"github.com/openclaw/launcher/internal/core/services"
	"github.com/openclaw/launcher/internal/egress"
	"github.com/openclaw/launcher/internal/workspace"
)

const (
	defaultLogLines = 50
	maxLogLines     = 500
	maxLogBytes     = 5000
	topBlockedCount = 10
)

// InstanceHandler exposes the operational surface: list, launch, stop,
// destroy, stats, logs, workspace files, and egress grants.
type InstanceHandler struct {
	orchestrator *services.Orchestrator
	registry     ports.Registry
	runtime      ports.ContainerRuntime
	cache        *services.StatusCache
	restarts     *services.RestartCounters
	workspace    *workspace.Manager
	counters     *egress.Counters
}

func NewInstanceHandler(
	orchestrator *services.Orchestrator,
	registry ports.Registry,
	runtime ports.ContainerRuntime,
	cache *services.StatusCache,
	restarts *services.RestartCounters,
	ws *workspace.Manager,
	counters *egress.Counters,
) *InstanceHandler {
	return &InstanceHandler{
		orchestrator: orchestrator,
		registry:     registry,
		runtime:      runtime,
		cache:        cache,
		restarts:     restarts,
		workspace:    ws,
		counters:     counters,
	}
}

type walletRequest struct {
	PubKey string `json:"pubkey"`
}

// Health reports liveness and the current record count.
func (h *InstanceHandler) Health(c *fiber.Ctx) error {
	doc := h.registry.Load()
	return c.JSON(fiber.Map{"ok": true, "instances": len(doc.Instances)})
}

// ListInstances returns every record, token-redacted, with cached status.
func (h *InstanceHandler) ListInstances(c *fiber.Ctx) error {
	doc := h.registry.Load()
	instances := make([]fiber.Map, 0, len(doc.Instances))
	for identity, instance := range doc.Instances {
		redacted := instance.Redacted()
		instances = append(instances, fiber.Map{
			"id":           identity,
			"pubkey":       redacted.PubKey,
			"port":         redacted.Port,
			"created":      redacted.Created,
			"last_started": redacted.LastStarted,
			"container_id": redacted.ContainerID,
			"status":       h.cache.Status(identity),
		})
	}
	return c.JSON(fiber.Map{"instances": instances})
}

// Launch creates or restarts the instance for a wallet key. The gateway
// token is included on success so the caller can hand it to its user; a
// conflict returns the existing record without it.
func (h *InstanceHandler) Launch(c *fiber.Ctx) error {
	var req walletRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	identity, instance, err := h.orchestrator.Launch(c.Context(), req.PubKey)
	if err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Instance already running",
				"instance": fiber.Map{
					"id":           conflict.Identity,
					"pubkey":       conflict.Instance.PubKey,
					"port":         conflict.Instance.Port,
					"created":      conflict.Instance.Created,
					"last_started": conflict.Instance.LastStarted,
					"container_id": conflict.Instance.ContainerID,
					"status":       domain.StatusRunning,
				},
			})
		}
		return h.fail(c, err)
	}

	return c.JSON(fiber.Map{"instance": fiber.Map{
		"id":            identity,
		"pubkey":        instance.PubKey,
		"port":          instance.Port,
		"gateway_token": instance.GatewayToken,
		"created":       instance.Created,
		"last_started":  instance.LastStarted,
		"container_id":  instance.ContainerID,
		"status":        h.cache.Status(identity),
	}})
}

// Stop gracefully stops a wallet's instance.
func (h *InstanceHandler) Stop(c *fiber.Ctx) error {
	var req walletRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	identity, err := h.orchestrator.Stop(c.Context(), req.PubKey)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "stopped", "id": identity})
}

// Destroy removes the container and registry record, leaving workspace
// files on disk.
func (h *InstanceHandler) Destroy(c *fiber.Ctx) error {
	var req walletRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	identity, err := h.orchestrator.Destroy(c.Context(), req.PubKey)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "destroyed", "id": identity})
}

// Stats returns the cached observation for one identity. A cold cache
// reports unknown rather than querying the runtime synchronously.
func (h *InstanceHandler) Stats(c *fiber.Ctx) error {
	identity := c.Params("id")
	entry, ok := h.cache.Get(identity)
	if !ok {
		return c.JSON(fiber.Map{"status": domain.StatusUnknown, "stats": fiber.Map{}})
	}
	return c.JSON(fiber.Map{
		"status": entry.Status,
		"stats": fiber.Map{
			"cpu_percent":  entry.CPUPercent,
			"memory_bytes": entry.MemoryBytes,
			"observed_at":  entry.ObservedAt,
			"restarts":     h.restarts.Get(identity),
		},
	})
}

// Logs fetches recent container output, or streams it when follow is set.
func (h *InstanceHandler) Logs(c *fiber.Ctx) error {
	identity := c.Params("id")
	name := domain.ContainerName(identity)

	if c.QueryBool("follow") {
		stream, err := h.runtime.FollowLogs(c.Context(), name)
		if err != nil {
			return h.fail(c, err)
		}
		c.Set("Content-Type", "text/plain")
		return c.SendStream(stream)
	}

	lines := c.QueryInt("lines", defaultLogLines)
	if lines < 1 {
		lines = 1
	}
	if lines > maxLogLines {
		lines = maxLogLines
	}
	text, err := h.runtime.Logs(c.Context(), name, lines)
	if err != nil {
		return h.fail(c, err)
	}
	if len(text) > maxLogBytes {
		text = text[len(text)-maxLogBytes:]
	}
	return c.JSON(fiber.Map{"logs": text})
}

// ListFiles returns the markdown files in an instance's workspace.
func (h *InstanceHandler) ListFiles(c *fiber.Ctx) error {
	identity := c.Params("id")
	if !h.exists(identity) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Instance not found"})
	}
	return c.JSON(fiber.Map{"files": h.workspace.ListFiles(identity)})
}

// ReadFile returns one workspace file's content.
func (h *InstanceHandler) ReadFile(c *fiber.Ctx) error {
	identity := c.Params("id")
	filename := c.Params("filename")
	if !workspace.SafeFilename(filename) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid filename"})
	}
	if !h.exists(identity) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Instance not found"})
	}
	content, exists, err := h.workspace.ReadFile(identity, filename)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"filename": filename, "content": content, "exists": exists})
}

// WriteFile replaces an existing workspace file. New files cannot be
// created through the API.
func (h *InstanceHandler) WriteFile(c *fiber.Ctx) error {
	identity := c.Params("id")
	filename := c.Params("filename")
	if !workspace.SafeFilename(filename) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid filename"})
	}
	if !h.exists(identity) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Instance not found"})
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if err := h.workspace.WriteFile(identity, filename, req.Content); err != nil {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Can only edit files that already exist"})
	}
	return c.JSON(fiber.Map{"ok": true, "filename": filename})
}

// GrantEgress installs a per-instance egress allowlist override.
func (h *InstanceHandler) GrantEgress(c *fiber.Ctx) error {
	identity := c.Params("id")
	var req struct {
		Hosts []string `json:"hosts"`
	}
	if err := c.BodyParser(&req); err != nil || len(req.Hosts) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Hosts list is required"})
	}
	if err := h.orchestrator.GrantEgress(c.Context(), identity, req.Hosts); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"ok": true, "hosts": req.Hosts})
}

// RevokeEgress reverts an instance to the global default allowlist.
func (h *InstanceHandler) RevokeEgress(c *fiber.Ctx) error {
	identity := c.Params("id")
	if err := h.orchestrator.RevokeEgress(c.Context(), identity); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// EgressStats reports the proxy's cumulative counters and the most
// frequently blocked destinations.
func (h *InstanceHandler) EgressStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"allowed":     h.counters.Allowed(),
		"blocked":     h.counters.Blocked(),
		"top_blocked": h.counters.TopBlocked(topBlockedCount),
	})
}

func (h *InstanceHandler) exists(identity string) bool {
	_, ok := h.registry.Load().Instances[identity]
	return ok
}

// fail maps the domain error taxonomy onto HTTP statuses, so callers can
// tell "at capacity" from "runtime down" from "no such instance".
func (h *InstanceHandler) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidPubKey):
		status = fiber.StatusBadRequest
	case errors.Is(err, domain.ErrCapacityExceeded):
		status = fiber.StatusTooManyRequests
	case errors.Is(err, domain.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, domain.ErrRuntimeUnavailable), errors.Is(err, domain.ErrRegistryUnavailable):
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
