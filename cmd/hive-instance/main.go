// Command hive-instance is the worker-instance host process. A node
// controller spawns one of these per pool slot; it is never invoked
// directly by a human, but remains a
// standalone binary so it can be run and tested on its own.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/hive/pkg/config"
	"github.com/cuemby/hive/pkg/instancehost"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/registry"
)

var (
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "hive-instance [configFile] [instanceID] [opsAddr]",
	Short:   "hive worker-instance host",
	Args:    cobra.ExactArgs(3),
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "output logs in JSON format")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func run(cmd *cobra.Command, args []string) error {
	configPath, instanceID, opsAddr := args[0], args[1], args[2]

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	reg := registry.New()
	registerActors(reg)

	dirEndpoints := []string{fmt.Sprintf("127.0.0.1:%d", cfg.OpsPort)}

	host := instancehost.New(instanceID, reg, "127.0.0.1", dirEndpoints)

	log.WithComponent("hive-instance").Info().
		Str("instance_id", instanceID).
		Str("ops_addr", opsAddr).
		Strs("actors", reg.Names()).
		Msg("worker-instance host starting")

	return host.Serve(opsAddr)
}

// registerActors links every actor implementation this binary can
// host into reg. Actor bodies are supplied by whoever builds a
// worker-instance binary for their deployment; none are linked here.
func registerActors(reg *registry.Registry) {
	_ = reg
}
