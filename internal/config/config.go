package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// CoordinatorID is the process id of the coordinator in every fleet.
const CoordinatorID = "coordinator"

// Process roles.
const (
	RoleCoordinator = "coordinator"
	RoleWorker      = "worker"
	RoleLocal       = "local"
)

// Transports between fleet processes.
const (
	TransportMemory    = "memory"
	TransportWebSocket = "websocket"
)

// Config holds all configuration for one repobot process.
type Config struct {
	Role      string `validate:"oneof=coordinator worker local"`
	ProcessID string `validate:"required"`
	// Workers is the fleet size. WorkerIDs names them; when WORKER_IDS is
	// unset they are worker-1 to worker-N.
	Workers   int      `validate:"min=1,max=64"`
	WorkerIDs []string `validate:"dive,required"`

	Transport       string `validate:"oneof=memory websocket"`
	CoordinatorAddr string `validate:"required_if=Transport websocket"`

	TenantsDir       string `validate:"required"`
	HotReloadScripts bool
	ScriptTimeout    time.Duration `validate:"min=0"`

	GitHubToken         string
	GitHubWebhookSecret string
	HTTPAddr            string  `validate:"required"`
	WebhookRate         float64 `validate:"gt=0"`
	NotifyWebhookURL    string  `validate:"omitempty,url"`
}

// WorkerNames returns the default ids of an n-worker fleet.
func WorkerNames(n int) []string {
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		ids = append(ids, fmt.Sprintf("worker-%d", i))
	}
	return ids
}

// IsCoordinator reports whether this process owns the coordinator role.
func (c *Config) IsCoordinator() bool { return c.Role == RoleCoordinator }

// New loads configuration from a .env file (when present) and the environment.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}
	return Load(os.Getenv)
}

// Load builds a validated Config from getenv.
func Load(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		Role:                get("ROLE", RoleLocal),
		ProcessID:           getenv("PROCESS_ID"),
		Transport:           get("TRANSPORT", TransportMemory),
		CoordinatorAddr:     getenv("COORDINATOR_ADDR"),
		TenantsDir:          get("TENANTS_DIR", "./tenants"),
		GitHubToken:         getenv("GITHUB_TOKEN"),
		GitHubWebhookSecret: getenv("GITHUB_WEBHOOK_SECRET"),
		HTTPAddr:            get("HTTP_ADDR", ":8080"),
		NotifyWebhookURL:    getenv("NOTIFY_WEBHOOK_URL"),
	}

	var err error
	if cfg.Workers, err = strconv.Atoi(get("WORKERS", "3")); err != nil {
		return nil, fmt.Errorf("WORKERS: %w", err)
	}
	if cfg.HotReloadScripts, err = strconv.ParseBool(get("HOT_RELOAD_SCRIPTS", "false")); err != nil {
		return nil, fmt.Errorf("HOT_RELOAD_SCRIPTS: %w", err)
	}
	if cfg.ScriptTimeout, err = time.ParseDuration(get("SCRIPT_TIMEOUT", "5s")); err != nil {
		return nil, fmt.Errorf("SCRIPT_TIMEOUT: %w", err)
	}
	if cfg.WebhookRate, err = strconv.ParseFloat(get("WEBHOOK_RATE", "20"), 64); err != nil {
		return nil, fmt.Errorf("WEBHOOK_RATE: %w", err)
	}

	if ids := getenv("WORKER_IDS"); ids != "" {
		for _, id := range strings.Split(ids, ",") {
			cfg.WorkerIDs = append(cfg.WorkerIDs, strings.TrimSpace(id))
		}
		cfg.Workers = len(cfg.WorkerIDs)
	} else {
		cfg.WorkerIDs = WorkerNames(cfg.Workers)
	}

	if cfg.ProcessID == "" {
		switch cfg.Role {
		case RoleCoordinator:
			cfg.ProcessID = CoordinatorID
		case RoleWorker:
			if len(cfg.WorkerIDs) > 0 {
				cfg.ProcessID = cfg.WorkerIDs[0]
			}
		default:
			cfg.ProcessID = RoleLocal
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Role == RoleWorker && !slices.Contains(cfg.WorkerIDs, cfg.ProcessID) {
		return nil, fmt.Errorf("invalid configuration: PROCESS_ID %q is not one of WORKER_IDS %v", cfg.ProcessID, cfg.WorkerIDs)
	}
	if cfg.Role == RoleCoordinator && cfg.ProcessID != CoordinatorID {
		return nil, fmt.Errorf("invalid configuration: the coordinator's PROCESS_ID must be %q", CoordinatorID)
	}
	return cfg, nil
}
