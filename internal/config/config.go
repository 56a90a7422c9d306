package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything launcherd reads from the environment. All keys
// use the LAUNCHER_ prefix, e.g. LAUNCHER_BASE_PORT.
type Config struct {
	ListenAddr string
	DataDir    string
	AuthToken  string

	Image        string
	BasePort     int
	MaxInstances int
	GatewayPort  int

	// BindIP is the management interface instance ports are published on.
	// It must never be a public interface.
	BindIP string

	MemoryBytes int64
	NanoCPUs    int64

	StartSettle  time.Duration
	StopGrace    time.Duration
	DestroyGrace time.Duration

	LockTimeout       time.Duration
	ReconcileInterval time.Duration

	// TemplateRepo, when set, is shallow-cloned into the workspace
	// template directory at startup if that directory is absent.
	TemplateRepo string

	Egress Egress
}

// Egress configures the egress-filtering proxy and its private bridge.
type Egress struct {
	ListenAddr string
	Network    string
	Subnet     string
	Gateway    string
	Allowlist  []string
	NoProxy    string
}

// Load reads configuration from the environment with deployment defaults.
func Load() *Config {
	v := viper.New()
	v.SetEnvPrefix("launcher")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8780")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("auth_token", "")
	v.SetDefault("image", "openclaw:local")
	v.SetDefault("base_port", 19000)
	v.SetDefault("max_instances", 20)
	v.SetDefault("gateway_port", 18789)
	v.SetDefault("bind_ip", "100.118.141.107")
	v.SetDefault("memory_bytes", int64(512*1024*1024))
	v.SetDefault("nano_cpus", int64(500_000_000))
	v.SetDefault("start_settle", "2s")
	v.SetDefault("stop_grace", "30s")
	v.SetDefault("destroy_grace", "15s")
	v.SetDefault("lock_timeout", "5s")
	v.SetDefault("reconcile_interval", "60s")
	v.SetDefault("template_repo", "")

	v.SetDefault("egress_listen", "172.28.0.1:3128")
	v.SetDefault("egress_network", "openclaw-egress")
	v.SetDefault("egress_subnet", "172.28.0.0/24")
	v.SetDefault("egress_gateway", "172.28.0.1")
	v.SetDefault("egress_allowlist", "api.anthropic.com,api.openai.com,registry.npmjs.org")
	v.SetDefault("egress_no_proxy", "localhost,127.0.0.1")

	return &Config{
		ListenAddr:        v.GetString("listen_addr"),
		DataDir:           v.GetString("data_dir"),
		AuthToken:         v.GetString("auth_token"),
		Image:             v.GetString("image"),
		BasePort:          v.GetInt("base_port"),
		MaxInstances:      v.GetInt("max_instances"),
		GatewayPort:       v.GetInt("gateway_port"),
		BindIP:            v.GetString("bind_ip"),
		MemoryBytes:       v.GetInt64("memory_bytes"),
		NanoCPUs:          v.GetInt64("nano_cpus"),
		StartSettle:       v.GetDuration("start_settle"),
		StopGrace:         v.GetDuration("stop_grace"),
		DestroyGrace:      v.GetDuration("destroy_grace"),
		LockTimeout:       v.GetDuration("lock_timeout"),
		ReconcileInterval: v.GetDuration("reconcile_interval"),
		TemplateRepo:      v.GetString("template_repo"),
		Egress: Egress{
			ListenAddr: v.GetString("egress_listen"),
			Network:    v.GetString("egress_network"),
			Subnet:     v.GetString("egress_subnet"),
			Gateway:    v.GetString("egress_gateway"),
			Allowlist:  splitList(v.GetString("egress_allowlist")),
			NoProxy:    v.GetString("egress_no_proxy"),
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
