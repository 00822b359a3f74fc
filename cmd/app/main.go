package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/healthvault/internal"
	"github.com/starford/healthvault/internal/models"
	"github.com/starford/healthvault/internal/wallet"
	pkgconfig "github.com/starford/healthvault/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	loaded, err := pkgconfig.LoadOptional(configPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if !loaded {
		slog.Warn("config file not found, using defaults", slog.String("path", configPath))
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.ServeMCP(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("mcp server error: %w", err)
	}
	return nil
}

func keygen(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	address := models.Identity(cmd.String("address"))
	if address != "" && !address.Valid() {
		return fmt.Errorf("keygen: %q is not an address", address)
	}
	kf, err := wallet.Generate(cfg.Wallet.KeystoreDir, address)
	if err != nil {
		return err
	}
	fmt.Printf("address:    %s\npublic key: %s\nkey file:   %s.json\n", kf.Address, kf.PublicKey, kf.ID)
	return nil
}

func main() {
	cmd := &cli.Command{
		Name:   "healthvault",
		Usage:  "Envelope-encrypted health records with patient-controlled consent on a ledger",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API, audit poller and keystore watcher",
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve read-only MCP tools on stdin/stdout",
				Action: serveMCP,
			},
			{
				Name:  "keygen",
				Usage: "Create a software wallet key in the keystore directory",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "address",
						Usage: "Wallet address to bind the key to (derived from the key when empty)",
					},
				},
				Action: keygen,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
