package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Xenian84/tachyon-oracles/params"
	"github.com/Xenian84/tachyon-oracles/pkg/crypto"
	"github.com/Xenian84/tachyon-oracles/pkg/node"
	"github.com/Xenian84/tachyon-oracles/pkg/util"
)

const defaultConfigPath = "~/.config/tachyon/node-config.toml"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "tachyon-node",
		Short:        "Tachyon oracle network node",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to node config")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and generate a node keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(configPath)
		},
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Run the oracle pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configPath)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Query the local node's status endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(configPath)
		},
	}

	root.AddCommand(initCmd, startCmd, statusCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runInit(configPath string) error {
	cfg := params.Default()

	keypairPath := params.ExpandPath(cfg.KeypairPath)
	if _, err := os.Stat(keypairPath); err == nil {
		fmt.Printf("Loading existing keypair from %s\n", keypairPath)
		if _, err := crypto.LoadKeypair(keypairPath); err != nil {
			return err
		}
	} else {
		kp, err := crypto.GenerateKeypair()
		if err != nil {
			return err
		}
		if err := kp.Save(keypairPath); err != nil {
			return err
		}
		fmt.Printf("Generated keypair %s\n", kp.Pubkey())
		fmt.Printf("Saved to %s\n", keypairPath)
	}

	if err := cfg.Save(configPath); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", params.ExpandPath(configPath))
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Fund and stake your node identity on the settlement chain")
	fmt.Println("  2. Start the node: tachyon-node start")
	return nil
}

func runStart(configPath string) error {
	cfg, err := params.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := util.NewLoggerWithFile(filepath.Join(cfg.DataDir, "node.log"))
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg, sugar)
	if err != nil {
		return err
	}
	return n.Run(ctx)
}

func runStatus(configPath string) error {
	apiPort := params.Default().APIPort
	if cfg, err := params.Load(configPath); err == nil {
		apiPort = cfg.APIPort
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/api/v1/status", apiPort))
	if err != nil {
		return fmt.Errorf("node not reachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty json.RawMessage = body
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(string(out))
	return nil
}
