package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	board "github.com/wFercho/iot-mining-board"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "board",
		Short:         "Real-time mine node board: snapshot + live sensor updates",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "./data/config.yaml", "Path to configuration")
	rootCmd.PersistentFlags().String("mine", "", "Mine to select on startup (overrides mine.id)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("mine", rootCmd.PersistentFlags().Lookup("mine"))

	// BOARD_CONFIG and BOARD_MINE back the flags.
	viper.SetEnvPrefix("board")
	viper.AutomaticEnv()

	rootCmd.AddCommand(runCommand(), validateCommand(), statsCommand())

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("board: %v", err)
	}
}

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the board using the provided config",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			log.Printf("Loaded config file: %s", path)

			flow, err := board.ConfFromConfig(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := flow.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a config file without starting the board",
		RunE: func(c *cobra.Command, args []string) error {
			_, path, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("config %s looks good\n", path)
			return nil
		},
	}
}

func statsCommand() *cobra.Command {
	var (
		url      string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Poll the Prometheus metrics endpoint and print live counters",
		RunE: func(c *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", url)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := printMetricsSnapshot(ctx, url); err != nil {
						fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Refresh interval")
	return cmd
}

// loadConfig resolves the path from --config, BOARD_CONFIG or the default,
// then applies --mine / BOARD_MINE on top of the file.
func loadConfig() (*board.Config, string, error) {
	path := viper.GetString("config")
	if _, err := os.Stat(path); err != nil {
		return nil, path, fmt.Errorf("config file %s: %w", path, err)
	}

	cfg, err := board.LoadConfig(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config: %w", err)
	}
	if mine := viper.GetString("mine"); mine != "" {
		cfg.Mine.ID = mine
		if cfg.OPCUA != nil && cfg.OPCUA.MineID == "" {
			cfg.OPCUA.MineID = mine
		}
	}
	return cfg, path, nil
}

var statTargets = []string{
	"board_updates_applied_total",
	"board_updates_discarded_total",
	"board_reconnects_total",
	"board_connection_status",
	"board_history_written_total",
	"board_queue_length",
	"board_wal_size_bytes",
	"board_ws_clients",
}

func printMetricsSnapshot(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	values := make(map[string]float64, len(statTargets))
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for _, key := range statTargets {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %g", &value); err == nil {
					values[key] = value
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("[%s] status=%s applied=%.0f discarded=%.0f reconnects=%.0f history=%.0f queue=%.0f wal_bytes=%.0f clients=%.0f\n",
		time.Now().Format(time.RFC3339),
		statusName(values["board_connection_status"]),
		values["board_updates_applied_total"],
		values["board_updates_discarded_total"],
		values["board_reconnects_total"],
		values["board_history_written_total"],
		values["board_queue_length"],
		values["board_wal_size_bytes"],
		values["board_ws_clients"],
	)
	return nil
}

func statusName(v float64) string {
	switch v {
	case 2:
		return string(board.StatusConnected)
	case 1:
		return string(board.StatusConnecting)
	default:
		return string(board.StatusDisconnected)
	}
}
