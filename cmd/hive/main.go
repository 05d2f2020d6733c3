package main

import (
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/hive/pkg/config"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/metrics"
	"github.com/cuemby/hive/pkg/node"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "hive [configFile]",
	Short:   "hive node controller",
	Long:    "hive runs a node controller: it supervises worker-instance processes, replicates the actor directory with its peers, and answers the ops protocol.",
	Args:    cobra.ExactArgs(1),
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("hive version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	rootCmd.Flags().StringP("iface", "i", "", "network interface to bind the ops socket on (overrides config)")
	rootCmd.Flags().String("instance-binary", "hive-instance", "path to the hive-instance executable to spawn")
	rootCmd.Flags().StringSlice("seed", nil, "seed peer endpoints (tcp://ip:port), in addition to config seeds")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "address for the metrics/health HTTP server")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func run(cmd *cobra.Command, args []string) error {
	configPath := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	iface, _ := cmd.Flags().GetString("iface")
	if iface == "" {
		iface = cfg.Interface
	}
	bindIP, err := ifaceAddr(iface)
	if err != nil {
		return fmt.Errorf("hive: resolve interface %s: %w", iface, err)
	}
	opsAddr := fmt.Sprintf("%s:%d", bindIP, cfg.OpsPort)

	instanceBinary, _ := cmd.Flags().GetString("instance-binary")
	seeds, _ := cmd.Flags().GetStringSlice("seed")
	seeds = append(seeds, cfg.Seeds...)

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	go serveMetrics(metricsAddr)

	metrics.SetVersion(Version)

	ctrl := node.New(cfg, opsAddr, instanceBinary, configPath, seeds)

	log.WithComponent("hive").Info().
		Str("realm", cfg.Realm).
		Str("ops_addr", opsAddr).
		Int("n_processes", cfg.NProcesses).
		Msg("starting node controller")

	return ctrl.Start()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithComponent("hive").Warn().Err(err).Msg("metrics server stopped")
	}
}

// ifaceAddr resolves a network interface name to its first usable IPv4
// address. A value that is already a bare IP address is passed through
// unchanged.
func ifaceAddr(iface string) (string, error) {
	if net.ParseIP(iface) != nil {
		return iface, nil
	}

	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return "", err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no IPv4 address found on interface %s", iface)
}
