// Package cmd provides the CLI commands for storemaster.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	natsURL   string
	clusterID string
	apiAddr   string
	verbose   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "storemaster",
	Short: "Active-master election for a storage cluster control plane",
	Long: `storemaster runs the control-plane master candidate for a distributed
storage cluster:
  - Active-master election via NATS KV with automatic failover
  - Graceful master step-down and observed-master reporting
  - Table enable (assignment of offline regions)
  - Prometheus metrics

Use storemaster to run candidates and administer the cluster.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.storemaster.json)")
	rootCmd.PersistentFlags().StringVarP(&natsURL, "nats", "n", "nats://localhost:4222", "NATS server URL")
	rootCmd.PersistentFlags().StringVarP(&clusterID, "cluster", "c", "", "Cluster ID")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "localhost:8080", "Admin API address")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	viper.BindPFlag("nats", rootCmd.PersistentFlags().Lookup("nats"))
	viper.BindPFlag("cluster", rootCmd.PersistentFlags().Lookup("cluster"))
	viper.BindPFlag("api", rootCmd.PersistentFlags().Lookup("api"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigType("json")
			viper.SetConfigName(".storemaster")
		}
	}

	viper.SetEnvPrefix("STOREMASTER")
	viper.AutomaticEnv()
	viper.ReadInConfig()
}

func getNATSURL() string {
	return viper.GetString("nats")
}

func getCluster() string {
	return viper.GetString("cluster")
}

func getAPIAddr() string {
	return viper.GetString("api")
}
