package database

import (
	"fmt"
	"log/slog"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"gavel/models"
)

// Config 是資料庫連線設定
// Driver 為 postgres 或 sqlite，sqlite 只使用 SQLitePath
type Config struct {
	Driver      string
	User        string
	Password    string
	Host        string
	Port        int
	Database    string
	Schema      string
	SQLitePath  string
	AutoMigrate bool
}

// Open 依照設定建立資料庫連線，需要時自動建立資料表
func Open(config Config) (*gorm.DB, error) {
	const op = "database.Open"
	gormConfig := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	}

	var dialector gorm.Dialector
	switch config.Driver {
	case "postgres":
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", config.User, config.Password, config.Host, config.Port, config.Database)
		if config.Schema != "" {
			dsn += "&search_path=" + config.Schema
			gormConfig.NamingStrategy = schema.NamingStrategy{
				TablePrefix: config.Schema + ".",
			}
		}
		dialector = postgres.Open(dsn)
	case "sqlite":
		path := config.SQLitePath
		if path == "" {
			path = ":memory:"
		}
		dialector = sqlite.Open(path)
	default:
		return nil, fmt.Errorf("[%s] Unsupported driver %q", op, config.Driver)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}
	if config.Driver == "sqlite" {
		// sqlite 只允許單一寫入者，而且 :memory: 的資料只存在於單一連線中
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to get connection pool, err=%w", op, err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if config.AutoMigrate {
		if err := db.AutoMigrate(&models.Listing{}, &models.Bid{}); err != nil {
			return nil, fmt.Errorf("[%s] Fail to migrate database, err=%w", op, err)
		}
		slog.Info("Database migrated", slog.String("driver", config.Driver))
	}
	return db, nil
}
