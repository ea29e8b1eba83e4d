package cfg

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/cespare/xxhash/v2"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Role of the local node in the cluster
type Role string

const (
	RoleServer Role = "server" // Eligible to become the version coordinator
	RoleClient Role = "client" // Only requests versions
)

// TransportKind selects how coordination messages travel between nodes
type TransportKind string

const (
	TransportGRPC   TransportKind = "grpc"
	TransportNATS   TransportKind = "nats"
	TransportKafka  TransportKind = "kafka"
	TransportMemory TransportKind = "memory" // Single process only
)

// ClusterConfiguration controls cluster identity and the gRPC endpoint
type ClusterConfiguration struct {
	GRPCBindAddress      string   `toml:"grpc_bind_address"`
	GRPCAdvertiseAddress string   `toml:"grpc_advertise_address"` // Address other nodes use to connect (defaults to hostname:port)
	GRPCPort             int      `toml:"grpc_port"`
	SeedNodes            []string `toml:"seed_nodes"` // memberlist addresses of existing members
	ClusterSecret        string   `toml:"cluster_secret"`
}

// GossipConfiguration controls memberlist based discovery
type GossipConfiguration struct {
	Enabled         bool   `toml:"enabled"`
	BindAddress     string `toml:"bind_address"`
	BindPort        int    `toml:"bind_port"`
	ProbeIntervalMS int    `toml:"probe_interval_ms"`
}

// NATSConfiguration for the NATS transport
type NATSConfiguration struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// KafkaConfiguration for the Kafka transport
type KafkaConfiguration struct {
	Brokers     []string `toml:"brokers"`
	TopicPrefix string   `toml:"topic_prefix"`
	GroupPrefix string   `toml:"group_prefix"`
}

// TransportConfiguration controls the coordination message transport
type TransportConfiguration struct {
	Kind              TransportKind      `toml:"kind"`
	CompressThreshold int                `toml:"compress_threshold"` // Payload bytes above which zstd is used, 0 disables
	NATS              NATSConfiguration  `toml:"nats"`
	Kafka             KafkaConfiguration `toml:"kafka"`
}

// GRPCClientConfiguration controls gRPC client behavior
type GRPCClientConfiguration struct {
	KeepaliveTimeSeconds    int `toml:"keepalive_time_seconds"`    // Keepalive ping interval
	KeepaliveTimeoutSeconds int `toml:"keepalive_timeout_seconds"` // Keepalive ping timeout
	SendTimeoutMS           int `toml:"send_timeout_ms"`           // Per message deadline
}

// CoordinatorConfiguration controls message dispatch on every node
type CoordinatorConfiguration struct {
	WorkerCount          int `toml:"worker_count"`           // Goroutines handling incoming messages
	QueueSize            int `toml:"queue_size"`             // Buffered messages before senders block
	DedupCacheSize       int `toml:"dedup_cache_size"`       // Recently seen envelopes remembered
	InitWaitTimeoutMS    int `toml:"init_wait_timeout_ms"`   // Max wait for coordinator init, 0 = unbounded
	StatsIntervalSeconds int `toml:"stats_interval_seconds"` // Ledger statistics collection interval
}

// TrackerConfiguration controls query trackers
type TrackerConfiguration struct {
	AllowRemap bool `toml:"allow_remap"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the admin HTTP API
type AdminConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID uint64 `toml:"node_id"`
	Role   Role   `toml:"role"`

	Cluster     ClusterConfiguration     `toml:"cluster"`
	Gossip      GossipConfiguration      `toml:"gossip"`
	Transport   TransportConfiguration   `toml:"transport"`
	GRPCClient  GRPCClientConfiguration  `toml:"grpc_client"`
	Coordinator CoordinatorConfiguration `toml:"coordinator"`
	Tracker     TrackerConfiguration     `toml:"tracker"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
	Admin       AdminConfiguration       `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	GRPCPortFlag   = flag.Int("grpc-port", 0, "gRPC port (overrides config)")
	TransportFlag  = flag.String("transport", "", "Transport kind: grpc, nats, kafka (overrides config)")
	RoleFlag       = flag.String("role", "", "Node role: server or client (overrides config)")
)

// Default configuration
var Config = Default()

// Default returns a configuration populated with defaults.
func Default() *Configuration {
	return &Configuration{
		NodeID: 0, // Auto-generate
		Role:   RoleServer,

		Cluster: ClusterConfiguration{
			GRPCBindAddress: "0.0.0.0",
			GRPCPort:        8080,
			SeedNodes:       []string{},
		},

		Gossip: GossipConfiguration{
			Enabled:         true,
			BindAddress:     "0.0.0.0",
			BindPort:        7946,
			ProbeIntervalMS: 1000,
		},

		Transport: TransportConfiguration{
			Kind:              TransportGRPC,
			CompressThreshold: 1024,
			NATS: NATSConfiguration{
				URL:           "nats://127.0.0.1:4222",
				SubjectPrefix: "mvccoord",
			},
			Kafka: KafkaConfiguration{
				Brokers:     []string{"127.0.0.1:9092"},
				TopicPrefix: "mvccoord",
				GroupPrefix: "mvccoord",
			},
		},

		GRPCClient: GRPCClientConfiguration{
			KeepaliveTimeSeconds:    10,
			KeepaliveTimeoutSeconds: 3,
			SendTimeoutMS:           5000,
		},

		Coordinator: CoordinatorConfiguration{
			WorkerCount:          16,
			QueueSize:            1024,
			DedupCacheSize:       8192,
			InitWaitTimeoutMS:    0,
			StatsIntervalSeconds: 30,
		},

		Tracker: TrackerConfiguration{
			AllowRemap: true,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},

		Admin: AdminConfiguration{
			Enabled: true,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *GRPCPortFlag != 0 {
		Config.Cluster.GRPCPort = *GRPCPortFlag
	}
	if *TransportFlag != "" {
		Config.Transport.Kind = TransportKind(*TransportFlag)
	}
	if *RoleFlag != "" {
		Config.Role = Role(*RoleFlag)
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID and gRPC port, so
// several nodes on one host stay distinct.
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("mvccoord")
	if err != nil {
		return 0, err
	}
	return NodeIDFrom(id, Config.Cluster.GRPCPort), nil
}

// NodeIDFrom hashes a machine identity and port into a non-zero node ID.
func NodeIDFrom(machineID string, port int) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(machineID)
	_, _ = h.WriteString(fmt.Sprintf(":%d", port))
	if v := h.Sum64(); v != 0 {
		return v
	}
	return 1
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Role != RoleServer && Config.Role != RoleClient {
		return fmt.Errorf("invalid role: %q", Config.Role)
	}

	if Config.Cluster.GRPCPort < 1 || Config.Cluster.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", Config.Cluster.GRPCPort)
	}

	// Auto-fill advertise address if not provided
	if Config.Cluster.GRPCAdvertiseAddress == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to get hostname, using localhost")
			hostname = "localhost"
		}
		Config.Cluster.GRPCAdvertiseAddress = fmt.Sprintf("%s:%d", hostname, Config.Cluster.GRPCPort)
		log.Info().
			Str("advertise_address", Config.Cluster.GRPCAdvertiseAddress).
			Msg("Auto-configured gRPC advertise address")
	}

	if Config.Gossip.Enabled && (Config.Gossip.BindPort < 1 || Config.Gossip.BindPort > 65535) {
		return fmt.Errorf("invalid gossip port: %d", Config.Gossip.BindPort)
	}

	switch Config.Transport.Kind {
	case TransportGRPC, TransportMemory:
	case TransportNATS:
		if Config.Transport.NATS.URL == "" || Config.Transport.NATS.SubjectPrefix == "" {
			return fmt.Errorf("NATS transport requires url and subject_prefix")
		}
	case TransportKafka:
		if len(Config.Transport.Kafka.Brokers) == 0 || Config.Transport.Kafka.TopicPrefix == "" {
			return fmt.Errorf("kafka transport requires brokers and topic_prefix")
		}
	default:
		return fmt.Errorf("invalid transport kind: %q", Config.Transport.Kind)
	}

	if Config.Transport.CompressThreshold < 0 {
		return fmt.Errorf("compress threshold must be >= 0")
	}

	// Validate gRPC client configuration
	if Config.GRPCClient.KeepaliveTimeSeconds < 1 {
		return fmt.Errorf("gRPC keepalive time must be >= 1 second")
	}

	if Config.GRPCClient.KeepaliveTimeoutSeconds < 1 {
		return fmt.Errorf("gRPC keepalive timeout must be >= 1 second")
	}

	if Config.GRPCClient.SendTimeoutMS < 1 {
		return fmt.Errorf("gRPC send timeout must be >= 1ms")
	}

	// Validate coordinator configuration
	if Config.Coordinator.WorkerCount < 1 {
		return fmt.Errorf("coordinator worker count must be >= 1")
	}

	if Config.Coordinator.QueueSize < 1 {
		return fmt.Errorf("coordinator queue size must be >= 1")
	}

	if Config.Coordinator.DedupCacheSize < 1 {
		return fmt.Errorf("coordinator dedup cache size must be >= 1")
	}

	if Config.Coordinator.InitWaitTimeoutMS < 0 {
		return fmt.Errorf("coordinator init wait timeout must be >= 0")
	}

	if Config.Coordinator.StatsIntervalSeconds < 1 {
		return fmt.Errorf("coordinator stats interval must be >= 1 second")
	}

	return nil
}
