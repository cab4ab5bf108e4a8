package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	storemaster "github.com/ozanturksever/go-storemaster"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a master candidate",
	Long: `Start a control-plane master candidate for the cluster.

The candidate will:
- Connect to NATS and join the master election
- Block until it becomes the active master or is shut down
- Serve the admin API and Prometheus metrics endpoints

Example:
  storemaster run --cluster store-prod --host 10.0.0.5 --port 16000
  storemaster run --config /etc/storemaster/config.json`,
	RunE: runCandidate,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("host", "", "Advertised host")
	runCmd.Flags().Int("port", 16000, "Advertised port")
	runCmd.Flags().String("metrics-addr", ":9090", "Prometheus metrics HTTP address")

	viper.BindPFlag("host", runCmd.Flags().Lookup("host"))
	viper.BindPFlag("port", runCmd.Flags().Lookup("port"))
	viper.BindPFlag("metrics_addr", runCmd.Flags().Lookup("metrics-addr"))
}

func runCandidate(cmd *cobra.Command, args []string) error {
	var cfg storemaster.Config
	if cfgFile != "" {
		var err error
		cfg, err = storemaster.LoadFileConfig(cfgFile)
		if err != nil {
			return err
		}
	} else {
		cfg = storemaster.Config{
			ClusterID:   getCluster(),
			Host:        viper.GetString("host"),
			Port:        viper.GetInt("port"),
			NATSURLs:    []string{getNATSURL()},
			MetricsAddr: viper.GetString("metrics_addr"),
			APIAddr:     getAPIAddr(),
		}
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	m, err := storemaster.NewMaster(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Stop(context.Background())

	fmt.Printf("Candidate %s standing by for cluster %s\n", cfg.Address(), cfg.ClusterID)

	if err := m.BecomeActiveMaster(ctx); err != nil {
		if errors.Is(err, storemaster.ErrElectorClosed) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	fmt.Printf("Candidate %s is now the active master\n", cfg.Address())

	<-ctx.Done()
	return nil
}
