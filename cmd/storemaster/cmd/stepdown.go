package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	storemaster "github.com/ozanturksever/go-storemaster"
	"github.com/spf13/cobra"
)

var stepdownCmd = &cobra.Command{
	Use:   "stepdown",
	Short: "Force the active master to step down",
	Long: `Delete the cluster's election node, triggering a new election among the
standing-by candidates.

Useful for:
- Planned maintenance
- Rolling upgrades
- Testing failover behavior`,
	RunE: runStepdown,
}

func init() {
	rootCmd.AddCommand(stepdownCmd)

	stepdownCmd.Flags().Duration("timeout", 30*time.Second, "Timeout for the step-down operation")
}

func runStepdown(cmd *cobra.Command, args []string) error {
	cluster := getCluster()
	if cluster == "" {
		return fmt.Errorf("cluster ID is required")
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	nc, err := nats.Connect(getNATSURL())
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return err
	}

	cfg := storemaster.Config{ClusterID: cluster}
	kv, err := js.KeyValue(ctx, cfg.BucketName())
	if err != nil {
		return fmt.Errorf("failed to open election bucket: %w", err)
	}

	entry, err := kv.Get(ctx, storemaster.DefaultElectionKey)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			fmt.Println("No active master to step down")
			return nil
		}
		return err
	}

	rec, err := storemaster.DecodeMasterRecord(entry.Value())
	if err != nil {
		return err
	}

	if err := kv.Delete(ctx, storemaster.DefaultElectionKey); err != nil {
		return fmt.Errorf("failed to delete election node: %w", err)
	}

	fmt.Printf("Master %s stepped down, new election triggered\n", rec.Address)
	return nil
}
