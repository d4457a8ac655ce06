package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	log "github.com/vonnegut/vonnegut/logging"
	"github.com/vonnegut/vonnegut/protocol"
	"github.com/vonnegut/vonnegut/types"
)

var config = types.Configuration{}

var topicsAPIKey int

var rootCmd = &cobra.Command{
	Use:   "vonnegut",
	Short: "vonnegut is a partitioned, append-only commit log service",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a vonnegut broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		log.SetLogLevel(config.LogLevel)
		config.TopicsAPIKey = int16(topicsAPIKey)
		if err := config.Validate(); err != nil {
			return err
		}
		if config.RaftID == "" {
			config.RaftID = fmt.Sprintf("chain-node-%d", config.NodeID)
		}

		broker := protocol.NewBroker(&config)
		errCh := make(chan error, 1)
		go func() {
			errCh <- broker.Startup()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Info("received %v, shutting down", sig)
			broker.Shutdown()
			return nil
		case err := <-errCh:
			return err
		}
	},
}

func init() {
	flags := startCmd.Flags()
	flags.IntVar(&config.NodeID, "node-id", 1, "numeric broker id, unique per cluster")
	flags.StringVar(&config.BrokerHost, "host", "localhost", "advertised broker host")
	flags.Uint32Var(&config.BrokerPort, "port", 5555, "broker listen port")
	flags.StringSliceVar(&config.LogDirs, "log-dirs", []string{"/tmp/vonnegut"}, "ordered list of base data directories")
	flags.Uint32Var(&config.SegmentBytes, "segment-bytes", types.MaxSegmentBytes, "per-segment log file soft cap")
	flags.Uint32Var(&config.IndexMaxBytes, "index-max-bytes", 1<<20, "per-segment index file cap")
	flags.Uint32Var(&config.IndexIntervalBytes, "index-interval-bytes", 4096, "log bytes between sparse index entries")
	flags.IntVar(&config.FlushIntervalMs, "flush-interval-ms", 5000, "background flush interval")
	flags.IntVar(&topicsAPIKey, "topics-api-key", int(types.DefaultTopicsAPIKey), "api key assigned to the Topics request")
	flags.StringVar(&config.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&config.RaftID, "raft-id", "", "raft server id (defaults to chain-node-<node-id>)")
	flags.StringVar(&config.RaftAddress, "raft-address", "localhost:5556", "raft bind address")
	flags.StringVar(&config.SerfAddress, "serf-address", "localhost:5557", "serf gossip bind address")
	flags.StringVar(&config.SerfJoinAddress, "serf-join-address", "", "comma-separated serf addresses of an existing cluster")
	flags.BoolVar(&config.Bootstrap, "bootstrap", false, "bootstrap a new single-node cluster")
	rootCmd.AddCommand(startCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
