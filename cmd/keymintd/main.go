package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/keymint/keymint/internal/httpapi"
	"github.com/keymint/keymint/internal/keypool"
	"github.com/keymint/keymint/internal/opslog"
	"github.com/keymint/keymint/internal/store/gormstore"
	"github.com/keymint/keymint/internal/store/pgstore"
	"github.com/keymint/keymint/pkg/engine"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagCatalogPath    = "catalog-path"
	flagAdminIDs       = "admin-ids"
	flagSigningKey     = "session-signing-key"
	flagSessionIssuer  = "session-issuer"
	flagAllowedOrigins = "allowed-origins"
	flagResetQuota     = "reset-quota"
	flagStoreDriver    = "store-driver"
	flagProduct        = "product"
	flagFile           = "file"
	flagPoolDir        = "pool-dir"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyCatalogPath    = "catalog_path"
	configKeyAdminIDs       = "admin_ids"
	configKeySigningKey     = "session_signing_key"
	configKeySessionIssuer  = "session_issuer"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyResetQuota     = "reset_quota"
	configKeyStoreDriver    = "store_driver"

	defaultDatabaseURL = "sqlite:///tmp/keymint.db"
	defaultListenAddr  = ":8080"
	defaultCatalogPath = "catalog.json"

	storeDriverGorm = "gorm"
	storeDriverPgx  = "pgx"
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	CatalogPath    string
	AdminIDs       []string
	SigningKey     string
	SessionIssuer  string
	AllowedOrigins []string
	ResetQuota     int64
	StoreDriver    string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "keymintd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "keymintd",
		Short:         "License key engine HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	flags.String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	flags.String(flagCatalogPath, defaultCatalogPath, "product catalog JSON path")
	flags.String(flagAdminIDs, "", "comma-separated admin account ids")
	flags.String(flagSigningKey, "", "HS256 session token signing key")
	flags.String(flagSessionIssuer, "keymint", "session token issuer")
	flags.String(flagAllowedOrigins, "", "comma-separated CORS origins")
	flags.Int64(flagResetQuota, engine.DefaultResetQuota, "owner HWID resets allowed per license per UTC day")
	flags.String(flagStoreDriver, storeDriverGorm, "storage driver: gorm or pgx (pgx requires a postgres url)")

	cmd.AddCommand(newKeysCommand(cfg))

	return cmd
}

func newKeysCommand(cfg *runtimeConfig) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage product key pools",
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Load keys into a product's pool from a file or a file pool directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			productRaw, err := cmd.Flags().GetString(flagProduct)
			if err != nil {
				return err
			}
			filePath, err := cmd.Flags().GetString(flagFile)
			if err != nil {
				return err
			}
			poolDir, err := cmd.Flags().GetString(flagPoolDir)
			if err != nil {
				return err
			}
			return runKeysImport(cmd.Context(), cfg, productRaw, filePath, poolDir)
		},
	}
	importCmd.Flags().String(flagProduct, "", "product id receiving the keys")
	importCmd.Flags().String(flagFile, "", "plain file with one key per line")
	importCmd.Flags().String(flagPoolDir, "", "file pool directory to drain into the store")

	countCmd := &cobra.Command{
		Use:   "count",
		Short: "Report how many keys a product has pooled",
		RunE: func(cmd *cobra.Command, args []string) error {
			productRaw, err := cmd.Flags().GetString(flagProduct)
			if err != nil {
				return err
			}
			return runKeysCount(cmd.Context(), cfg, productRaw)
		},
	}
	countCmd.Flags().String(flagProduct, "", "product id to count")

	keysCmd.AddCommand(importCmd, countCmd)
	return keysCmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyCatalogPath:    "CATALOG_PATH",
		configKeyAdminIDs:       "ADMIN_IDS",
		configKeySigningKey:     "SESSION_SIGNING_KEY",
		configKeySessionIssuer:  "SESSION_ISSUER",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeyResetQuota:     "RESET_QUOTA",
		configKeyStoreDriver:    "STORE_DRIVER",
	}
	for configKey, envName := range bindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flagsByKey := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyCatalogPath:    flagCatalogPath,
		configKeyAdminIDs:       flagAdminIDs,
		configKeySigningKey:     flagSigningKey,
		configKeySessionIssuer:  flagSessionIssuer,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeyResetQuota:     flagResetQuota,
		configKeyStoreDriver:    flagStoreDriver,
	}
	for configKey, flagName := range flagsByKey {
		if err := viper.BindPFlag(configKey, cmd.Root().PersistentFlags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.CatalogPath = viper.GetString(configKeyCatalogPath)
	cfg.AdminIDs = splitCommaList(viper.GetString(configKeyAdminIDs))
	cfg.SigningKey = viper.GetString(configKeySigningKey)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.AllowedOrigins = httpapi.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins))
	cfg.ResetQuota = viper.GetInt64(configKeyResetQuota)
	cfg.StoreDriver = viper.GetString(configKeyStoreDriver)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.CatalogPath == "" {
		return fmt.Errorf("catalog path is required")
	}
	if cfg.StoreDriver != storeDriverGorm && cfg.StoreDriver != storeDriverPgx {
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	return nil
}

func splitCommaList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.SigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	service, err := buildService(cfg, store, logger)
	if err != nil {
		return err
	}

	logger.Info("keymintd starting",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("store_driver", cfg.StoreDriver),
		zap.Int("admins", len(cfg.AdminIDs)),
	)
	return httpapi.Run(ctx, httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    cfg.AllowedOrigins,
		SessionSigningKey: cfg.SigningKey,
		SessionIssuer:     cfg.SessionIssuer,
	}, service, logger)
}

func buildService(cfg *runtimeConfig, store engine.Store, logger *zap.Logger) (*engine.Service, error) {
	catalog, err := LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("catalog load: %w", err)
	}
	admins := make([]engine.AccountID, 0, len(cfg.AdminIDs))
	for _, raw := range cfg.AdminIDs {
		adminID, err := engine.NewAccountID(raw)
		if err != nil {
			return nil, fmt.Errorf("admin id %q: %w", raw, err)
		}
		admins = append(admins, adminID)
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	return engine.NewService(store, catalog, engine.NewGate(admins), clock,
		engine.WithOperationLogger(opslog.NewZapLogger(logger)),
		engine.WithResetQuota(cfg.ResetQuota),
	)
}

func runKeysImport(ctx context.Context, cfg *runtimeConfig, productRaw string, filePath string, poolDir string) error {
	productID, err := engine.NewProductID(productRaw)
	if err != nil {
		return err
	}
	if (filePath == "") == (poolDir == "") {
		return fmt.Errorf("exactly one of --%s and --%s is required", flagFile, flagPoolDir)
	}

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if filePath != "" {
		imported, err := importKeyFile(ctx, store, productID, filePath)
		if err != nil {
			return err
		}
		fmt.Printf("imported %d keys into %s\n", imported, productID.String())
		return nil
	}

	imported, err := drainFilePool(ctx, store, productID, poolDir)
	if err != nil {
		return err
	}
	fmt.Printf("drained %d keys from %s into %s\n", imported, poolDir, productID.String())
	return nil
}

func importKeyFile(ctx context.Context, store engine.Store, productID engine.ProductID, filePath string) (int, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	keys := make([]engine.Key, 0, 64)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, err := engine.NewKey(line)
		if err != nil {
			return 0, err
		}
		keys = append(keys, key)
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}

	err = store.WithTx(ctx, func(ctx context.Context, txStore engine.Store) error {
		for _, key := range keys {
			if err := txStore.AddKey(ctx, productID, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// drainFilePool moves every key from a file pool into the store. The
// file write and the store insert are separate commits, so a failed
// insert returns the key to the file to keep both sides consistent.
func drainFilePool(ctx context.Context, store engine.Store, productID engine.ProductID, poolDir string) (int, error) {
	filePool, err := keypool.NewFilePool(poolDir)
	if err != nil {
		return 0, err
	}
	imported := 0
	for {
		key, err := filePool.Take(ctx, productID)
		if errors.Is(err, engine.ErrOutOfStock) {
			return imported, nil
		}
		if err != nil {
			return imported, err
		}
		if err := store.AddKey(ctx, productID, key); err != nil {
			if returnErr := filePool.Return(ctx, productID, key); returnErr != nil {
				return imported, errors.Join(err, returnErr)
			}
			if errors.Is(err, engine.ErrKeyExists) {
				return imported, fmt.Errorf("key %s already pooled or assigned: %w", key.String(), err)
			}
			return imported, err
		}
		imported++
	}
}

func runKeysCount(ctx context.Context, cfg *runtimeConfig, productRaw string) error {
	productID, err := engine.NewProductID(productRaw)
	if err != nil {
		return err
	}
	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	count, err := store.CountKeys(ctx, productID)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d keys\n", productID.String(), count)
	return nil
}

func openStore(ctx context.Context, cfg *runtimeConfig) (engine.Store, func() error, error) {
	if cfg.StoreDriver == storeDriverPgx {
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return nil, nil, fmt.Errorf("pgx store driver requires a postgres url")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := prepareSchema(gormDB, driver); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return gormstore.New(gormDB), cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "keymint.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
