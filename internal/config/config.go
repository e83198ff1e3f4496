package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Server holds all configuration for the store server process: both
// listeners, the game supervisor, storage paths, and transfer limits.
type Server struct {
	// Network
	Host          string `yaml:"host"`
	LobbyPort     int    `yaml:"lobby_port"`
	DeveloperPort int    `yaml:"developer_port"`
	PortProbes    int    `yaml:"port_probes"` // fallback ports tried when a listener port is taken

	// Game server children
	GameStartPort int    `yaml:"game_start_port"`
	GameRuntime   string `yaml:"game_runtime"` // interpreter for game entrypoints

	// Storage layout
	GamesDir     string `yaml:"games_dir"`
	TempDir      string `yaml:"temp_dir"`
	PluginsDir   string `yaml:"plugins_dir"`
	DownloadsDir string `yaml:"downloads_dir"` // client-side download root

	// Accounts and transfers
	PasswordSalt string `yaml:"password_salt"`
	ChunkSize    int    `yaml:"chunk_size"`
	MaxFileSize  int64  `yaml:"max_file_size"`

	// Lifecycles
	SessionTTL    int `yaml:"session_ttl"`    // seconds
	RoomTTL       int `yaml:"room_ttl"`       // seconds
	SweepInterval int `yaml:"sweep_interval"` // seconds

	// Logging
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	// Database
	Database    DatabaseConfig `yaml:"database"`
	DatabaseURL string         `yaml:"database_url"` // overrides Database when set
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// DSN returns the effective connection string: the database_url field (or
// DATABASE_URL environment variable, applied in Load) when set, otherwise
// the assembled database section.
func (s Server) DSN() string {
	if s.DatabaseURL != "" {
		return s.DatabaseURL
	}
	return s.Database.DSN()
}

// DefaultServer returns Server config with the stock deployment defaults.
func DefaultServer() Server {
	return Server{
		Host:          "0.0.0.0",
		LobbyPort:     8888,
		DeveloperPort: 8889,
		PortProbes:    10,
		GameStartPort: 9000,
		GameRuntime:   "python3",
		GamesDir:      "games",
		TempDir:       "temp",
		PluginsDir:    "plugins",
		DownloadsDir:  "downloads",
		PasswordSalt:  "game-store-2024",
		ChunkSize:     8192,
		MaxFileSize:   100 << 20,
		SessionTTL:    86400,
		RoomTTL:       600,
		SweepInterval: 60,
		LogLevel:      "info",
		Database: DatabaseConfig{
			Host:     "127.0.0.1",
			Port:     5432,
			User:     "gamestore",
			Password: "gamestore",
			DBName:   "gamestore",
			SSLMode:  "disable",
		},
	}
}

// LoadServer loads server config from a YAML file, overlaying it on the
// defaults. A missing file is not an error. The DATABASE_URL environment
// variable, when set, takes precedence over any configured DSN.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.DatabaseURL = dsn
	}

	return cfg, nil
}
