package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	storemaster "github.com/ozanturksever/go-storemaster"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current active master",
	Long: `Read the cluster's election node and print the active master record.

Example:
  storemaster status --cluster store-prod`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().Duration("timeout", 10*time.Second, "Timeout for the lookup")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cluster := getCluster()
	if cluster == "" {
		return fmt.Errorf("cluster ID is required (use --cluster or set STOREMASTER_CLUSTER)")
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
			fmt.Println("No active master")
			return nil
		}
		return err
	}

	rec, err := storemaster.DecodeMasterRecord(entry.Value())
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(rec, "", "  ")
	fmt.Println(string(out))
	return nil
}
