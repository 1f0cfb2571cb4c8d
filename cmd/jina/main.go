package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chen-yuxuan/jina/pkg/gateway"
	"github.com/chen-yuxuan/jina/pkg/head"
	"github.com/chen-yuxuan/jina/pkg/log"
	"github.com/chen-yuxuan/jina/pkg/metrics"
	"github.com/chen-yuxuan/jina/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "jina",
	Short: "jina - distributed neural-search data plane",
	Long: `jina runs the three runtimes of the serving data plane:

  gateway  terminates client traffic and walks the topology graph
  head     dispatches one pod's requests across shards and replicas
  worker   hosts an executor and serves its endpoints

Each runtime is an independent process communicating over gRPC.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"jina version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Address for /metrics and /health endpoints (empty disables)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(headCmd)
	rootCmd.AddCommand(workerCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
	metrics.SetVersion(Version)
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the gateway runtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		graphDesc, _ := cmd.Flags().GetString("graph-description")
		deployments, _ := cmd.Flags().GetString("deployments-addresses")
		protocol, _ := cmd.Flags().GetString("protocol")
		retries, _ := cmd.Flags().GetInt("retries")
		prefetch, _ := cmd.Flags().GetInt("prefetch")

		gw, err := gateway.New(&gateway.Config{
			GraphDescription:     graphDesc,
			DeploymentsAddresses: deployments,
			Protocol:             protocol,
			Prefetch:             prefetch,
			Retries:              retries,
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway: %w", err)
		}

		startMetricsServer(cmd, "gateway")
		return serve(fmt.Sprintf(":%d", port), gw.Start, gw.Stop)
	},
}

var headCmd = &cobra.Command{
	Use:   "head",
	Short: "Run the head runtime fronting one pod",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		name, _ := cmd.Flags().GetString("name")
		pollingFlag, _ := cmd.Flags().GetString("polling")
		connectionList, _ := cmd.Flags().GetString("connection-list")
		usesBefore, _ := cmd.Flags().GetString("uses-before-address")
		usesAfter, _ := cmd.Flags().GetString("uses-after-address")
		retries, _ := cmd.Flags().GetInt("retries")

		polling, err := head.ParsePolling(pollingFlag)
		if err != nil {
			return err
		}
		shards, err := head.ParseConnectionList(connectionList)
		if err != nil {
			return err
		}

		h, err := head.New(&head.Config{
			Name:              name,
			ConnectionList:    shards,
			UsesBeforeAddress: usesBefore,
			UsesAfterAddress:  usesAfter,
			Polling:           polling,
			Retries:           retries,
		})
		if err != nil {
			return fmt.Errorf("failed to create head: %w", err)
		}

		startMetricsServer(cmd, "head")
		return serve(fmt.Sprintf(":%d", port), h.Start, h.Stop)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker runtime hosting one executor",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		name, _ := cmd.Flags().GetString("name")
		uses, _ := cmd.Flags().GetString("uses")

		usesWith, err := jsonMapFlag(cmd, "uses-with")
		if err != nil {
			return err
		}
		usesMetas, err := jsonMapFlag(cmd, "uses-metas")
		if err != nil {
			return err
		}
		usesRequests, err := jsonStringMapFlag(cmd, "uses-requests")
		if err != nil {
			return err
		}

		w, err := worker.New(&worker.Config{
			Name:         name,
			Uses:         uses,
			UsesWith:     usesWith,
			UsesMetas:    usesMetas,
			UsesRequests: usesRequests,
		})
		if err != nil {
			return fmt.Errorf("failed to create worker: %w", err)
		}

		startMetricsServer(cmd, "worker")
		return serve(fmt.Sprintf(":%d", port), w.Start, w.Stop)
	},
}

func init() {
	gatewayCmd.Flags().Int("port", 8080, "Port to listen on")
	gatewayCmd.Flags().String("graph-description", "", "Topology graph JSON (required)")
	gatewayCmd.Flags().String("deployments-addresses", "", "Pod address table JSON (required)")
	gatewayCmd.Flags().String("protocol", "grpc", "Client transport (grpc, http, websocket)")
	gatewayCmd.Flags().Int("retries", head.DefaultRetries, "Per-pod retry budget (-1 unlimited, 0 none)")
	gatewayCmd.Flags().Int("prefetch", 0, "Max in-flight client requests (0 disables)")
	_ = gatewayCmd.MarkFlagRequired("graph-description")
	_ = gatewayCmd.MarkFlagRequired("deployments-addresses")

	headCmd.Flags().Int("port", 8081, "Port to listen on")
	headCmd.Flags().String("name", "head", "Pod name for routing traces")
	headCmd.Flags().String("polling", "ANY", "Polling policy: ANY, ALL, or endpoint map JSON")
	headCmd.Flags().String("connection-list", "", "Shard connection table JSON (required)")
	headCmd.Flags().String("uses-before-address", "", "Address of the uses-before executor")
	headCmd.Flags().String("uses-after-address", "", "Address of the uses-after executor")
	headCmd.Flags().Int("retries", head.DefaultRetries, "Replica retry budget (-1 unlimited, 0 none)")
	_ = headCmd.MarkFlagRequired("connection-list")

	workerCmd.Flags().Int("port", 8082, "Port to listen on")
	workerCmd.Flags().String("name", "worker", "Worker name for routing traces (pod/type/shard)")
	workerCmd.Flags().String("uses", "BaseExecutor", "Executor type name or YAML manifest path")
	workerCmd.Flags().String("uses-with", "", "Executor init parameters JSON")
	workerCmd.Flags().String("uses-metas", "", "Executor metadata JSON")
	workerCmd.Flags().String("uses-requests", "", "Endpoint binding overrides JSON (endpoint -> handler)")
}

func jsonMapFlag(cmd *cobra.Command, name string) (map[string]interface{}, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return m, nil
}

func jsonStringMapFlag(cmd *cobra.Command, name string) (map[string]string, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return m, nil
}

// startMetricsServer exposes /metrics, /health and /ready when
// --metrics-addr is set.
func startMetricsServer(cmd *cobra.Command, runtime string) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		return
	}
	metrics.RegisterComponent(runtime, true, "ready")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("metrics server error", err)
		}
	}()
	fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", addr)
}

// serve runs a runtime until SIGTERM/SIGINT, exiting 0 on a clean
// shutdown and nonzero on a fatal startup error.
func serve(addr string, start func(string) error, stop func()) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- start(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
		stop()
		<-errCh
		return nil
	}
}
