package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Defaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Cluster.GRPCAdvertiseAddress = "node-1:8080"

	require.NoError(t, Validate())
	assert.Zero(t, Config.Coordinator.InitWaitTimeoutMS, "requests wait for coordinator init until the sender leaves")
}

func TestValidate_Invalid(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"bad role", func(c *Configuration) { c.Role = "observer" }},
		{"grpc port zero", func(c *Configuration) { c.Cluster.GRPCPort = 0 }},
		{"grpc port too large", func(c *Configuration) { c.Cluster.GRPCPort = 70000 }},
		{"gossip port", func(c *Configuration) { c.Gossip.BindPort = -1 }},
		{"unknown transport", func(c *Configuration) { c.Transport.Kind = "carrier-pigeon" }},
		{"nats without url", func(c *Configuration) {
			c.Transport.Kind = TransportNATS
			c.Transport.NATS.URL = ""
		}},
		{"kafka without brokers", func(c *Configuration) {
			c.Transport.Kind = TransportKafka
			c.Transport.Kafka.Brokers = nil
		}},
		{"negative compress threshold", func(c *Configuration) { c.Transport.CompressThreshold = -1 }},
		{"no workers", func(c *Configuration) { c.Coordinator.WorkerCount = 0 }},
		{"no queue", func(c *Configuration) { c.Coordinator.QueueSize = 0 }},
		{"no dedup cache", func(c *Configuration) { c.Coordinator.DedupCacheSize = 0 }},
		{"negative init wait", func(c *Configuration) { c.Coordinator.InitWaitTimeoutMS = -5 }},
		{"no stats interval", func(c *Configuration) { c.Coordinator.StatsIntervalSeconds = 0 }},
		{"keepalive", func(c *Configuration) { c.GRPCClient.KeepaliveTimeSeconds = 0 }},
		{"send timeout", func(c *Configuration) { c.GRPCClient.SendTimeoutMS = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			Config = Default()
			Config.Cluster.GRPCAdvertiseAddress = "node-1:8080"
			tc.mutate(Config)
			assert.Error(t, Validate())
		})
	}
}

func TestValidate_AutoAdvertiseAddress(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Cluster.GRPCPort = 9191

	require.NoError(t, Validate())
	assert.Contains(t, Config.Cluster.GRPCAdvertiseAddress, ":9191")
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()
	Config = Default()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
node_id = 42
role = "client"

[transport]
kind = "nats"
compress_threshold = 0

[transport.nats]
url = "nats://nats:4222"
subject_prefix = "crd"

[coordinator]
worker_count = 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	require.NoError(t, Load(path))

	assert.Equal(t, uint64(42), Config.NodeID)
	assert.Equal(t, RoleClient, Config.Role)
	assert.Equal(t, TransportNATS, Config.Transport.Kind)
	assert.Equal(t, 0, Config.Transport.CompressThreshold)
	assert.Equal(t, "crd", Config.Transport.NATS.SubjectPrefix)
	assert.Equal(t, 4, Config.Coordinator.WorkerCount)
	// untouched sections keep defaults
	assert.Equal(t, 8192, Config.Coordinator.DedupCacheSize)
}

func TestLoad_MissingFileKeepsDefaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()
	Config = Default()
	Config.NodeID = 7

	require.NoError(t, Load(filepath.Join(t.TempDir(), "absent.toml")))
	assert.Equal(t, uint64(7), Config.NodeID)
	assert.Equal(t, TransportGRPC, Config.Transport.Kind)
}

func TestNodeIDFrom(t *testing.T) {
	a := NodeIDFrom("machine-a", 8080)
	b := NodeIDFrom("machine-a", 8081)
	c := NodeIDFrom("machine-b", 8080)

	assert.NotZero(t, a)
	assert.Equal(t, a, NodeIDFrom("machine-a", 8080))
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}
