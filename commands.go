package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/sindef/replset-bootstrap/pkg/address"
	"github.com/sindef/replset-bootstrap/pkg/config"
	"github.com/sindef/replset-bootstrap/pkg/discovery"
	"github.com/sindef/replset-bootstrap/pkg/failure"
	"github.com/sindef/replset-bootstrap/pkg/metrics"
	"github.com/sindef/replset-bootstrap/pkg/mongo"
	"github.com/sindef/replset-bootstrap/pkg/orchestrator"
)

// envFallbacks fills flags that were not given on the command line.
var envFallbacks = map[string]string{
	"service":     "SERVICE_NAME",
	"replica-set": "REPLICA_SET",
	"interface":   "INTERFACE",
	"consul-addr": "CONSUL_HTTP_ADDR",
	"namespace":   "POD_NAMESPACE",
}

func newRootCommand(klogFlags *flag.FlagSet) *cobra.Command {
	cfg := config.Default()
	var discoveryMode, adminMode string

	root := &cobra.Command{
		Use:   "replset-bootstrap",
		Short: "Found or join a MongoDB replica set using a service registry",
		Long: `replset-bootstrap brings the local mongod into its replica set. When the
registry lists no healthy peer the node initiates a new replica set,
otherwise it asks an existing member to add it. It then waits until the
node replicates and is visible in the registry.

Two nodes starting at the same moment can both find no peer and both
initiate; stagger startup if that matters.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%w: unknown command %q", failure.ErrArgumentParse, args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Usage()
			return failure.ErrUsage
		},
	}

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", failure.ErrArgumentParse, err)
	})

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.ServiceName, "service", "", "Registry service the replica set members register under (or SERVICE_NAME)")
	flags.StringVar(&cfg.ReplicaSet, "replica-set", cfg.ReplicaSet, "Replica set name (or REPLICA_SET)")
	flags.StringVar(&cfg.Interface, "interface", "", "Only scan this network interface for the local address (or INTERFACE)")
	flags.IntVar(&cfg.Port, "port", cfg.Port, "mongod port")
	flags.StringVar(&cfg.ConfigFile, "mongod-config", cfg.ConfigFile, "mongod configuration file inspected for the bind address")
	flags.StringVar(&adminMode, "admin", string(cfg.AdminMode), "How commands reach mongod: shell or driver")
	flags.StringVar(&cfg.ShellBinary, "shell", cfg.ShellBinary, "mongo shell binary used in shell mode")

	flags.StringVar(&discoveryMode, "discovery", string(cfg.Discovery), "Registry backend: consul or kubernetes")
	flags.StringVar(&cfg.NodeName, "node-name", "", "Identifier of this host in the registry (default: hostname)")
	flags.StringVar(&cfg.ConsulAddr, "consul-addr", "", "Consul agent address (or CONSUL_HTTP_ADDR)")
	flags.StringVar(&cfg.ConsulDatacenter, "consul-datacenter", "", "Consul datacenter")
	flags.StringVar(&cfg.Namespace, "namespace", "", "Namespace of the member pods in kubernetes mode (or POD_NAMESPACE)")
	flags.StringVar(&cfg.LabelKey, "label-key", cfg.LabelKey, "Pod label whose value is the service name in kubernetes mode")

	flags.DurationVar(&cfg.LocalDBTimeout, "local-db-timeout", cfg.LocalDBTimeout, "How long to wait for the local mongod to accept commands")
	flags.DurationVar(&cfg.LocalDBPollInterval, "local-db-poll-interval", cfg.LocalDBPollInterval, "Poll interval while waiting for the local mongod")
	flags.DurationVar(&cfg.ReplicationTimeout, "replication-timeout", cfg.ReplicationTimeout, "How long to wait for the node to replicate")
	flags.DurationVar(&cfg.RegistryTimeout, "registry-timeout", cfg.RegistryTimeout, "How long to wait for the service to show up in the registry")
	flags.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Poll interval of the readiness checks")
	flags.DurationVar(&cfg.SettleDelay, "settle-delay", cfg.SettleDelay, "Pause after initiating or joining before checking readiness")

	flags.StringVar(&cfg.MetricsTextfile, "metrics-textfile", "", "Write run metrics to this node_exporter textfile")
	flags.BoolVar(&cfg.Debug, "debug", false, "Log step-by-step diagnostics to stderr (or DEBUG)")
	flags.AddGoFlagSet(klogFlags)

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		applyEnv(cmd.Flags())
		if !cmd.Flags().Changed("debug") {
			cfg.Debug = envBool("DEBUG")
		}
		setupLogging(klogFlags, cfg.Debug)

		cfg.Discovery = config.DiscoveryMode(discoveryMode)
		cfg.AdminMode = config.AdminMode(adminMode)
		if cfg.NodeName == "" {
			hostname, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("%w: cannot determine hostname: %w", failure.ErrConfiguration, err)
			}
			cfg.NodeName = hostname
		}
		return nil
	}

	root.AddCommand(
		newBootstrapCommand(cfg),
		newCheckCommand(cfg),
	)

	return root
}

func newBootstrapCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Initiate or join the replica set and wait until the node replicates",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBootstrap(cmd.Context(), cfg)
		},
	}
}

func newCheckCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Exit 0 when the local node accepts commands and is primary or secondary",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), cfg)
		},
	}
}

func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return fmt.Errorf("%w: %w", failure.ErrArgumentParse, err)
	}
	return nil
}

func runBootstrap(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	admin, err := newAdmin(cfg)
	if err != nil {
		return err
	}

	registry, err := newRegistry(cfg)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	klog.InfoS("Starting replset-bootstrap",
		"version", version,
		"runID", runID,
		"discovery", cfg.Discovery,
		"admin", cfg.AdminMode)

	resolver := address.NewResolver(cfg.ConfigFile, cfg.Interface, cfg.Debug)
	disc := discovery.NewClient(registry, cfg.NodeName, cfg.Port, cfg.Debug)
	runMetrics := metrics.NewRegistry(runID, cfg.ServiceName, cfg.ReplicaSet)

	orch := orchestrator.New(cfg, resolver, disc, admin,
		orchestrator.WithClock(clock.New()),
		orchestrator.WithObserver(runMetrics),
		orchestrator.WithRunID(runID))

	err = orch.Bootstrap(ctx)

	if cfg.MetricsTextfile != "" {
		if werr := runMetrics.WriteTextfile(cfg.MetricsTextfile); werr != nil {
			klog.ErrorS(werr, "Failed to export metrics", "path", cfg.MetricsTextfile)
		}
	}

	return err
}

func runCheck(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateLocal(); err != nil {
		return err
	}

	admin, err := newAdmin(cfg)
	if err != nil {
		return err
	}

	return orchestrator.New(cfg, nil, nil, admin).Check(ctx)
}

func newAdmin(cfg *config.Config) (orchestrator.Admin, error) {
	switch cfg.AdminMode {
	case config.AdminModeDriver:
		return mongo.NewDriverRunner(cfg.PollInterval, cfg.Debug), nil
	default:
		shell := mongo.NewShellRunner(cfg.ShellBinary, cfg.Debug)
		if err := shell.CheckBinary(); err != nil {
			return nil, err
		}
		return shell, nil
	}
}

func newRegistry(cfg *config.Config) (discovery.Registry, error) {
	switch cfg.Discovery {
	case config.DiscoveryModeKubernetes:
		registry, err := discovery.NewInClusterKubernetesRegistry(cfg.Namespace, cfg.LabelKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", failure.ErrDiscoveryUnavailable, err)
		}
		return registry, nil
	default:
		registry, err := discovery.NewConsulRegistry(cfg.ConsulAddr, cfg.ConsulDatacenter)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", failure.ErrConfiguration, err)
		}
		return registry, nil
	}
}

func applyEnv(flags *pflag.FlagSet) {
	for name, env := range envFallbacks {
		f := flags.Lookup(name)
		if f == nil || f.Changed {
			continue
		}
		if v, ok := os.LookupEnv(env); ok && v != "" {
			_ = f.Value.Set(v)
		}
	}
}

// envBool treats any non-empty value other than a false boolean as set.
func envBool(name string) bool {
	v := os.Getenv(name)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err != nil || b
}
