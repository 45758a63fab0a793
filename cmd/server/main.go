package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/NicolasHaas/gotalk/pkg/datastore"
	"github.com/NicolasHaas/gotalk/pkg/gateway"
	"github.com/NicolasHaas/gotalk/pkg/logging"
	"github.com/NicolasHaas/gotalk/pkg/server"
	"github.com/NicolasHaas/gotalk/pkg/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("gotalk", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath  string
		issueFor    string
		issueTTL    time.Duration
		showVersion bool
		override    = server.DefaultConfig()
		exportUsers bool
		exportRoles bool
	)

	fs := pflag.NewFlagSet("gotalk", pflag.ContinueOnError)
	fs.StringVarP(&configPath, "config", "c", "", "YAML config file")
	fs.StringVar(&override.ListenAddr, "listen", override.ListenAddr, "HTTP and websocket gateway bind address")
	fs.StringVar(&override.MetricsAddr, "metrics", override.MetricsAddr, "HTTP bind address for /metrics (empty to disable)")
	fs.StringVar(&override.DBPath, "db", override.DBPath, "SQLite database file path")
	fs.StringVar(&override.LogLevel, "log-level", override.LogLevel, "Log level: "+logging.LevelNames())
	fs.StringVar(&override.LogFormat, "log-format", override.LogFormat, "Log format: text or json")
	fs.StringVar(&override.Owner, "owner", "", "Handle seeded as super admin on first run")
	fs.BoolVar(&exportUsers, "export-users", false, "Export all users as YAML and exit")
	fs.BoolVar(&exportRoles, "export-roles", false, "Export the role hierarchy as YAML and exit")
	fs.StringVar(&issueFor, "issue-token", "", "Print a gateway bearer token for this handle and exit")
	fs.DurationVar(&issueTTL, "token-ttl", 24*time.Hour, "Lifetime of tokens printed by --issue-token")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println("gotalk", version.Full())
		return nil
	}

	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}
	applyFlags(fs, &cfg, override)
	cfg.ExportUsers, cfg.ExportRoles = exportUsers, exportRoles
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stdout}); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if issueFor != "" {
		v, err := gateway.NewTokenVerifier(cfg.JWTSecret)
		if err != nil {
			return err
		}
		token, err := v.Issue(issueFor, issueTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	st, err := datastore.NewProviderFactory(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	if cfg.ExportUsers || cfg.ExportRoles {
		defer st.Close()
		return export(st, cfg)
	}

	srv, err := server.New(cfg, server.Dependencies{Store: st})
	if err != nil {
		_ = st.Close()
		return err
	}
	slog.Info("starting gotalk", "version", version.Full(), "listen", cfg.ListenAddr, "broadcast", cfg.Broadcast)
	return srv.Run(context.Background())
}

// applyFlags copies explicitly set flags over the file and environment
// configuration.
func applyFlags(fs *pflag.FlagSet, cfg *server.Config, set server.Config) {
	if fs.Changed("listen") {
		cfg.ListenAddr = set.ListenAddr
	}
	if fs.Changed("metrics") {
		cfg.MetricsAddr = set.MetricsAddr
	}
	if fs.Changed("db") {
		cfg.DBPath = set.DBPath
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = set.LogLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = set.LogFormat
	}
	if fs.Changed("owner") {
		cfg.Owner = set.Owner
	}
}

func export(st datastore.DataProviderFactory, cfg server.Config) error {
	if cfg.ExportUsers {
		data, err := server.ExportUsersYAML(st)
		if err != nil {
			return fmt.Errorf("export users: %w", err)
		}
		fmt.Print(string(data))
	}
	if cfg.ExportRoles {
		data, err := server.ExportRolesYAML(st)
		if err != nil {
			return fmt.Errorf("export roles: %w", err)
		}
		fmt.Print(string(data))
	}
	return nil
}
