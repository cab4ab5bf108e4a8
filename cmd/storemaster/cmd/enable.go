package cmd

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var enableCmd = &cobra.Command{
	Use:   "enable <table>",
	Short: "Enable a table",
	Long: `Request the active master to enable a table: every offline region of the
table is submitted for assignment. Regions already online are left alone.

Example:
  storemaster enable users --api 10.0.0.5:8080`,
	Args: cobra.ExactArgs(1),
	RunE: runEnable,
}

func init() {
	rootCmd.AddCommand(enableCmd)

	enableCmd.Flags().Duration("timeout", 30*time.Second, "Timeout for the enable operation")
}

func runEnable(cmd *cobra.Command, args []string) error {
	table := args[0]
	timeout, _ := cmd.Flags().GetDuration("timeout")

	client := &http.Client{Timeout: timeout}
	url := fmt.Sprintf("http://%s/v1/tables/%s/enable", getAPIAddr(), table)

	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to reach admin API: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		fmt.Printf("Table %s enabled\n", table)
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("table %s not found", table)
	default:
		return fmt.Errorf("enable failed (%d): %s", resp.StatusCode, string(body))
	}
}
