package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

const defaultPostgresPort = "5432"

var dbLog = NewLoggerIPFS("database")

// DatabaseConfig selects and configures the storage backend.
//
// Postgres needs the full set of connection fields. SQLite needs only
// Driver, and runs in-memory unless VERINODE_DATABASE_NAME points at a
// file.
type DatabaseConfig struct {
	URL      string `env:"VERINODE_DATABASE_URL" env-default:""`
	Name     string `env:"VERINODE_DATABASE_NAME" env-default:""`
	Schema   string `env:"VERINODE_DATABASE_SCHEMA" env-default:""`
	Driver   string `env:"VERINODE_DATABASE_DRIVER" env-default:"postgres"`
	Username string `env:"VERINODE_DATABASE_USERNAME"  env-default:"postgres"`
	Password string `env:"VERINODE_DATABASE_PASSWORD" env-default:"your-super-secret-and-long-postgres-password"`
	Host     string `env:"VERINODE_DATABASE_HOST" env-default:"localhost"`
	Port     string `env:"VERINODE_DATABASE_PORT" env-default:"5432"`
	Retries  int    `env:"VERINODE_DATABASE_RETRIES" env-default:"5"`
}

// ParseConnectionString turns a database URL into a DatabaseConfig.
// "file:" URLs select SQLite, postgres:// and postgresql:// select
// Postgres. search_path and retries may ride along as query parameters.
func ParseConnectionString(connStr string) (DatabaseConfig, error) {
	dbLog.Debug("parsing db connection string")

	if path, ok := strings.CutPrefix(connStr, "file:"); ok {
		name, _, _ := strings.Cut(path, "?")
		return DatabaseConfig{
			Name:    name,
			Driver:  "sqlite",
			Retries: 1,
		}, nil
	}

	parsed, err := url.Parse(connStr)
	if err != nil {
		return DatabaseConfig{}, fmt.Errorf("invalid connection string: %w", err)
	}
	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme: %s", parsed.Scheme)
	}

	cnf := DatabaseConfig{
		Name:    strings.TrimPrefix(parsed.Path, "/"),
		Driver:  "postgres",
		Host:    parsed.Hostname(),
		Port:    parsed.Port(),
		Retries: 5,
	}
	if cnf.Port == "" {
		cnf.Port = defaultPostgresPort
	}
	if user := parsed.User; user != nil {
		cnf.Username = user.Username()
		cnf.Password, _ = user.Password()
	}

	query := parsed.Query()
	cnf.Schema = query.Get("search_path")
	if r := query.Get("retries"); r != "" {
		if retries, err := strconv.Atoi(r); err == nil {
			cnf.Retries = retries
		}
	}

	return cnf, nil
}

// ConnectToDB opens the configured backend, running migrations first.
func ConnectToDB(cnf DatabaseConfig) (*gorm.DB, error) {
	switch cnf.Driver {
	case "postgres":
		return openPostgres(cnf)
	case "sqlite", "":
		return openSQLite(cnf)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cnf.Driver)
	}
}

func openPostgres(cnf DatabaseConfig) (*gorm.DB, error) {
	dbLog.Info("connecting to Postgres", "host", cnf.Host, "database", cnf.Name)

	if err := ensurePostgresSchema(cnf); err != nil {
		return nil, fmt.Errorf("failed to ensure Postgres schema: %w", err)
	}
	if err := runPostgresMigrations(cnf); err != nil {
		return nil, fmt.Errorf("failed to apply Postgres migrations: %w", err)
	}

	dsn, err := postgresDSN(cnf)
	if err != nil {
		return nil, err
	}
	return gorm.Open(postgres.Open(dsn), gormConfig(cnf))
}

func openSQLite(cnf DatabaseConfig) (*gorm.DB, error) {
	dsn := "file::memory:?cache=shared"
	if cnf.Name != "" {
		dsn = fmt.Sprintf("file:%s?cache=shared", cnf.Name)
	}
	dbLog.Info("connecting to SQLite", "dsn", dsn)

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(cnf))
	if err != nil {
		return nil, err
	}
	if err := migrateSqlite(db); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate SQLite schema: %w", err)
	}

	return db, nil
}

func gormConfig(cnf DatabaseConfig) *gorm.Config {
	return &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: cnf.Schema + ".",
		},
	}
}

func postgresDSN(cnf DatabaseConfig) (string, error) {
	if cnf.Driver != "postgres" {
		return "", fmt.Errorf("unsupported driver: %s", cnf.Driver)
	}

	dsn := fmt.Sprintf(
		"user=%s password=%s host=%s port=%s dbname=%s sslmode=disable",
		cnf.Username, cnf.Password, cnf.Host, cnf.Port, cnf.Name,
	)
	if cnf.Schema != "" {
		dsn += " search_path=" + cnf.Schema
	}
	return dsn, nil
}

func ensurePostgresSchema(cnf DatabaseConfig) error {
	if cnf.Schema == "" {
		dbLog.Debug("no schema specified, skipping schema creation")
		return nil
	}

	// Connect without search_path so the schema can be created first.
	noSchema := cnf
	noSchema.Schema = ""
	dsn, err := postgresDSN(noSchema)
	if err != nil {
		return err
	}

	db, err := sqlx.Connect(cnf.Driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	var exists int
	err = db.QueryRow("SELECT 1 FROM information_schema.schemata WHERE schema_name=$1", cnf.Schema).Scan(&exists)
	if err == nil {
		dbLog.Debug("schema already exists", "schema", cnf.Schema)
		return nil
	}

	if _, err := db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", cnf.Schema)); err != nil {
		return fmt.Errorf("error while creating schema: %w", err)
	}

	dbLog.Info("schema created", "schema", cnf.Schema)
	return nil
}

func runPostgresMigrations(cnf DatabaseConfig) error {
	dsn, err := postgresDSN(cnf)
	if err != nil {
		return err
	}

	db, err := goose.OpenDBWithDriver(cnf.Driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	if cnf.Schema != "" {
		if _, err := db.Exec("SET search_path TO " + cnf.Schema); err != nil {
			return fmt.Errorf("failed to set search path: %w", err)
		}
	}

	dbLog.Info("applying database migrations")
	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(db, "config/migrations/"+cnf.Driver); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	dbLog.Info("applied migrations")
	return nil
}

func migrateSqlite(db *gorm.DB) error {
	return db.AutoMigrate(&RPCRecord{}, &IdentityTag{}, &SignerKey{}, &VerificationRecord{})
}
