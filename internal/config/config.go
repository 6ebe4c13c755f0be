// Package config loads runtime settings from the environment and an optional
// config file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/rossigee/cms-deployer/internal/database"
	"github.com/rossigee/cms-deployer/internal/retry"
)

// ErrIncomplete is returned when mandatory database settings are missing.
var ErrIncomplete = errors.New("incomplete database configuration")

// Database describes one connection target.
type Database struct {
	Driver   string
	DSN      string
	Host     string
	Port     string
	Name     string
	User     string
	Password string
}

// Dialect resolves the configured driver name.
func (d Database) Dialect() (database.Dialect, error) {
	return database.ParseDialect(d.Driver)
}

// DataSourceName returns the explicit DSN when set, otherwise one assembled
// from the discrete MySQL fields.
func (d Database) DataSourceName() (string, error) {
	if d.DSN != "" {
		return d.DSN, nil
	}

	dialect, err := d.Dialect()
	if err != nil {
		return "", err
	}
	if dialect == database.SQLite {
		return "", fmt.Errorf("%w: sqlite requires DB_DSN", ErrIncomplete)
	}

	var missing []string
	if d.Host == "" {
		missing = append(missing, "host")
	}
	if d.Name == "" {
		missing = append(missing, "name")
	}
	if d.User == "" {
		missing = append(missing, "user")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: missing %s", ErrIncomplete, strings.Join(missing, ", "))
	}

	return MySQLDSN(d.Host, d.Port, d.Name, d.User, d.Password), nil
}

// MySQLDSN formats a go-sql-driver DSN. Hosts starting with "/" are treated as
// unix socket paths.
func MySQLDSN(host, port, name, user, password string) string {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.DBName = name
	cfg.ParseTime = true
	cfg.Params = map[string]string{"charset": "utf8mb4"}

	if strings.HasPrefix(host, "/") {
		cfg.Net = "unix"
		cfg.Addr = host
	} else {
		if port == "" {
			port = "3306"
		}
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(host, port)
	}

	return cfg.FormatDSN()
}

// Archive holds the optional S3-compatible output archive settings. Endpoint
// is a URL such as https://minio.example.com:9000.
type Archive struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
}

// Enabled reports whether enough settings are present to upload.
func (a Archive) Enabled() bool {
	return a.Endpoint != "" && a.Bucket != ""
}

// Server holds the HTTP API settings. ClientCertRole is the role granted to
// callers authenticated by client certificate.
type Server struct {
	Host           string
	Port           string
	TokensFile     string
	ClientCACert   string
	ClientCertRole int
	TLSCert        string
	TLSKey         string
}

// Config is the process-wide configuration, built once per invocation.
type Config struct {
	Database       Database
	MigrationsDir  string
	SiteBaseDir    string
	SiteRoot       string
	ExecDisabled   bool
	ConnectRetry   retry.Config
	Archive        Archive
	PushgatewayURL string
	Server         Server
	LogLevel       string
	LogFormat      string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DB_DRIVER", "mysql")
	v.SetDefault("DB_PORT", "3306")
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("SITE_BASE_DIR", "/var/www")
	v.SetDefault("DEPLOY_EXEC_DISABLED", false)
	v.SetDefault("ARCHIVE_REGION", "us-east-1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", "8080")
	v.SetDefault("CLIENT_CERT_ROLE", 4)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
}

// Load reads the environment, then path if non-empty. Environment variables
// take precedence over file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Database: Database{
			Driver:   v.GetString("DB_DRIVER"),
			DSN:      v.GetString("DB_DSN"),
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			Name:     v.GetString("DB_NAME"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASS"),
		},
		MigrationsDir: v.GetString("MIGRATIONS_DIR"),
		SiteBaseDir:   v.GetString("SITE_BASE_DIR"),
		SiteRoot:      v.GetString("CMS_SITE_ROOT"),
		ExecDisabled:  v.GetBool("DEPLOY_EXEC_DISABLED"),
		ConnectRetry: retry.ParseConfig(
			v.GetString("DB_CONNECT_RETRY_ATTEMPTS"),
			v.GetString("DB_CONNECT_RETRY_BACKOFF_MS"),
			retry.DefaultConfig,
		),
		Archive: Archive{
			Endpoint:  v.GetString("ARCHIVE_ENDPOINT"),
			Bucket:    v.GetString("ARCHIVE_BUCKET"),
			AccessKey: v.GetString("ARCHIVE_ACCESS_KEY"),
			SecretKey: v.GetString("ARCHIVE_SECRET_KEY"),
			Region:    v.GetString("ARCHIVE_REGION"),
		},
		PushgatewayURL: v.GetString("PUSHGATEWAY_URL"),
		Server: Server{
			Host:           v.GetString("HOST"),
			Port:           v.GetString("PORT"),
			TokensFile:     v.GetString("API_TOKENS_FILE"),
			ClientCACert:   v.GetString("CLIENT_CA_CERT"),
			ClientCertRole: v.GetInt("CLIENT_CERT_ROLE"),
			TLSCert:        v.GetString("TLS_CERT"),
			TLSKey:         v.GetString("TLS_KEY"),
		},
		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),
	}

	if _, err := cfg.Database.Dialect(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadMaster reads the schema-sync source database from a dedicated file.
// MASTER_DB_* keys win over DB_* keys; host, name and user are mandatory.
func LoadMaster(path string) (Database, error) {
	if path == "" {
		return Database{}, fmt.Errorf("%w: no master config file given", ErrIncomplete)
	}
	if _, err := os.Stat(path); err != nil {
		return Database{}, fmt.Errorf("master config not found: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Database{}, fmt.Errorf("failed to read master config %s: %w", path, err)
	}

	pick := func(key string) string {
		if s := strings.TrimSpace(v.GetString("MASTER_DB_" + key)); s != "" {
			return s
		}
		return strings.TrimSpace(v.GetString("DB_" + key))
	}

	db := Database{
		Driver:   "mysql",
		DSN:      pick("DSN"),
		Host:     pick("HOST"),
		Port:     pick("PORT"),
		Name:     pick("NAME"),
		User:     pick("USER"),
		Password: v.GetString("MASTER_DB_PASS"),
	}
	if db.Password == "" {
		db.Password = v.GetString("DB_PASS")
	}
	if d := pick("DRIVER"); d != "" {
		db.Driver = d
	}

	if db.DSN == "" && (db.Host == "" || db.Name == "" || db.User == "") {
		return Database{}, fmt.Errorf("%w: master config requires host, name and user", ErrIncomplete)
	}
	return db, nil
}

// ConfigureLogging applies level and format to the standard logrus logger.
func ConfigureLogging(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}
