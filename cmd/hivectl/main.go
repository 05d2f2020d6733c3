// Command hivectl is the cluster client CLI: a thin wrapper over
// pkg/cluster for adding actors, inspecting the directory, and
// listing nodes from outside the cluster.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/hive/pkg/cluster"
	"github.com/cuemby/hive/pkg/log"
)

var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "hivectl",
	Short:   "hivectl - hive cluster client",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringSlice("seed", nil, "seed node ops endpoints (tcp://ip:port), comma-separated or repeated")
	rootCmd.PersistentFlags().String("realm", "global", "realm to operate in")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	cobra.OnInitialize(initLogging)

	addCmd.Flags().String("category", "", "actor category (required)")
	addCmd.Flags().String("params", "{}", "JSON object of actor init params")
	addCmd.Flags().String("strategy", "random", "placement strategy: random, resource, affinity")
	addCmd.Flags().String("affinity-key", "", "affinity key, used when --strategy=affinity")
	_ = addCmd.MarkFlagRequired("category")

	killCmd.Flags().String("uid", "", "actor uid (required)")
	_ = killCmd.MarkFlagRequired("uid")

	rootCmd.AddCommand(addCmd, killCmd, flushCmd, dirCmd, nodesCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	log.Init(log.Config{Level: log.Level(logLevel)})
}

func newClient(cmd *cobra.Command) *cluster.Client {
	seeds, _ := cmd.Flags().GetStringSlice("seed")
	realm, _ := cmd.Flags().GetString("realm")
	return cluster.New(realm, seeds)
}

var addCmd = &cobra.Command{
	Use:   "add <actor-name>",
	Short: "start a new actor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		defer c.Close()

		category, _ := cmd.Flags().GetString("category")
		paramsJSON, _ := cmd.Flags().GetString("params")
		strategyFlag, _ := cmd.Flags().GetString("strategy")
		affinityKey, _ := cmd.Flags().GetString("affinity-key")

		var params map[string]any
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return fmt.Errorf("invalid --params JSON: %w", err)
		}

		uid, endpoint, err := c.AddActor(args[0], category, params, cluster.Strategy(strategyFlag), affinityKey)
		if err != nil {
			return err
		}
		fmt.Printf("uid=%s endpoint=%s\n", uid, endpoint)
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "stop an actor by uid",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		defer c.Close()

		uid, _ := cmd.Flags().GetString("uid")
		return c.KillActor(uid)
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "flush every node's instance pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		defer c.Close()
		return c.Flush()
	},
}

var dirCmd = &cobra.Command{
	Use:   "dir",
	Short: "print the replicated actor directory as seen by one node",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		defer c.Close()

		dir, err := c.GetDirectory()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(dir)
	},
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "list known nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		defer c.Close()

		nodes, err := c.GetNodes()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(nodes)
	},
}
