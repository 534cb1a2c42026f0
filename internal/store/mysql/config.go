package mysql

import (
	"fmt"
	"net"
	"strconv"
	"time"

	drv "github.com/go-sql-driver/mysql"
)

// Config holds MySQL connection and pool settings.
type Config struct {
	// Source is a full go-sql-driver DSN. When set it wins over the
	// individual connection fields.
	Source string

	Host     string
	Port     int
	User     string
	Password string
	DBName   string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// LogLevel is the gorm logger level: "silent", "error", "warn" or "info".
	LogLevel string
}

// DSN renders the connection string. Times are always parsed and stored
// as UTC so history cursors compare correctly.
func (c *Config) DSN() (string, error) {
	var cfg *drv.Config
	if c.Source != "" {
		parsed, err := drv.ParseDSN(c.Source)
		if err != nil {
			return "", fmt.Errorf("invalid mysql dsn: %w", err)
		}
		cfg = parsed
	} else {
		port := c.Port
		if port == 0 {
			port = 3306
		}
		cfg = drv.NewConfig()
		cfg.User = c.User
		cfg.Passwd = c.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(c.Host, strconv.Itoa(port))
		cfg.DBName = c.DBName
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	cfg.Params["charset"] = "utf8mb4"
	return cfg.FormatDSN(), nil
}
