package domain

// ContainerSpec describes the hardened sandbox container the runtime
// adapter must create. The hardening itself (capability drops, read-only
// rootfs, resource ceilings) is part of the adapter's contract and applies
// to every spec; the fields here are the per-instance variation.
type ContainerSpec struct {
	Name  string
	Image string
	Cmd   []string
	Env   map[string]string

	// ConfigDir and WorkspaceDir are host paths bound into the sandbox.
	ConfigDir    string
	WorkspaceDir string

	// GatewayPort is the port the sandbox listens on inside the container.
	// It is published as HostIP:HostPort, which must be a private or
	// management interface, never a public one.
	GatewayPort int
	HostIP      string
	HostPort    int

	MemoryBytes int64
	NanoCPUs    int64

	// Network is the egress bridge the container is attached to. All
	// outbound traffic is expected to go through the egress proxy
	// reachable on that bridge.
	Network string
}

// ResourceSample is one raw cumulative reading from the runtime. The
// reconciler keeps the previous sample per identity and computes CPU
// percent from the deltas, so the first sample after a restart reads zero.
type ResourceSample struct {
	CPUTotal    uint64 // cumulative container CPU time, nanoseconds
	SystemCPU   uint64 // cumulative whole-system CPU time, nanoseconds
	OnlineCPUs  int
	MemoryBytes uint64
	MemoryLimit uint64
}
