package config

import "time"

// ServerConfig holds runtime configuration for the provisioner daemon.
type ServerConfig struct {
	Environment        string
	Addr               string
	LogLevel           string
	DatabaseURL        string
	MigrationsDir      string
	BaseWorkdir        string
	GitHubOwner        string
	GitHubRepo         string
	GitHubToken        string
	GitHubAPIURL       string
	DockerHost         string
	DockerNetwork      string
	ComposeFile        string
	ServicePort        int
	PortRangeStart     int
	PortRangeEnd       int
	DefaultTTL         time.Duration
	AllowedServices    []string
	NgrokAuthtoken     string
	NgrokRegion        string
	NgrokAPIURL        string
	NgrokBinary        string
	TunnelPollAttempts int
	TunnelPollInterval time.Duration
	GitTimeout         time.Duration
	BuildTimeout       time.Duration
	GCInterval         time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("PROVISIONER_ADDR", ":7070"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://branchbox:branchbox@db:5432/branchbox?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		BaseWorkdir:        GetString("BASE_WORKDIR", "/var/lib/branchbox/envs"),
		GitHubOwner:        GetString("GITHUB_OWNER", ""),
		GitHubRepo:         GetString("GITHUB_REPO", ""),
		GitHubToken:        GetString("GITHUB_TOKEN", ""),
		GitHubAPIURL:       GetString("GITHUB_API_URL", "https://api.github.com"),
		DockerHost:         GetString("DOCKER_HOST_OVERRIDE", ""),
		DockerNetwork:      GetString("DOCKER_NETWORK", "branchbox"),
		ComposeFile:        GetString("COMPOSE_FILE", "docker-compose.preview.yml"),
		ServicePort:        GetInt("SERVICE_PORT", 8080),
		PortRangeStart:     GetInt("PORT_RANGE_START", 20000),
		PortRangeEnd:       GetInt("PORT_RANGE_END", 20999),
		DefaultTTL:         time.Duration(GetInt("DEFAULT_TTL_MINUTES", 120)) * time.Minute,
		AllowedServices:    GetStrings("ALLOWED_SERVICES", "web,api"),
		NgrokAuthtoken:     GetString("NGROK_AUTHTOKEN", ""),
		NgrokRegion:        GetString("NGROK_REGION", "us"),
		NgrokAPIURL:        GetString("NGROK_API_URL", "http://127.0.0.1:4040"),
		NgrokBinary:        GetString("NGROK_BINARY", "ngrok"),
		TunnelPollAttempts: GetInt("TUNNEL_POLL_ATTEMPTS", 40),
		TunnelPollInterval: time.Duration(GetInt("TUNNEL_POLL_INTERVAL_MS", 500)) * time.Millisecond,
		GitTimeout:         time.Duration(GetInt("GIT_TIMEOUT_SECONDS", 120)) * time.Second,
		BuildTimeout:       time.Duration(GetInt("BUILD_TIMEOUT_SECONDS", 600)) * time.Second,
		GCInterval:         time.Duration(GetInt("GC_INTERVAL_SECONDS", 300)) * time.Second,
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
