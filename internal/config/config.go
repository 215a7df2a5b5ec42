// Package config loads a cell's cell.yaml into the keys recognized by the
// replication engine and entity index.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/exocore/cell/internal/exoerr"
)

// Node describes this process's identity within the cell.
type Node struct {
	ID   string `yaml:"id"`
	Role string `yaml:"role"` // chain | store | app_host | client
}

// Log configures the ambient logger.
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Chain configures the segment tracker and chain store.
type Chain struct {
	SegmentMaxSize     int64 `yaml:"segment_max_size"`
	SegmentMaxOpenMmap int   `yaml:"segment_max_open_mmap"`
}

// Pending configures the pending store and pending-sync protocol.
type Pending struct {
	MaxOperationsPerRange int `yaml:"max_operations_per_range"`
}

// CommitManager configures block proposal and cleanup.
type CommitManager struct {
	CommitMaximumInterval       time.Duration `yaml:"commit_maximum_interval"`
	OperationsCleanupAfterDepth uint64        `yaml:"operations_cleanup_after_block_depth"`
	BlockOperationsCount        int           `yaml:"block_operations_count"`
}

// ChainSync configures the sampled-headers reconciliation protocol.
type ChainSync struct {
	BlocksMaxSendSize int `yaml:"blocks_max_send_size"`
	BeginCount        int `yaml:"begin_count"`
	EndCount          int `yaml:"end_count"`
	SampledCount      int `yaml:"sampled_count"`
}

// Index configures the mutation indices and entity aggregator.
type Index struct {
	ChainIndexDepthLeeway     uint64        `yaml:"chain_index_depth_leeway"`
	ChainIndexDeferredTimeout time.Duration `yaml:"chain_index_deferred_timeout"`
	ChainIndexDeferredMaxOps  int           `yaml:"chain_index_deferred_max_operations"`
	EntityMutationsCacheSize  int           `yaml:"entity_mutations_cache_size"`
}

// GC configures the garbage collector's scheduling.
type GC struct {
	RunIntervalSecs int `yaml:"run_interval_secs"`
	QueueSize       int `yaml:"queue_size"`
}

// Cell is the root of cell.yaml.
type Cell struct {
	Node          Node          `yaml:"node"`
	Log           Log           `yaml:"log"`
	Chain         Chain         `yaml:"chain"`
	Pending       Pending       `yaml:"pending"`
	CommitManager CommitManager `yaml:"commit_manager"`
	ChainSync     ChainSync     `yaml:"chain_sync"`
	Index         Index         `yaml:"index"`
	GC            GC            `yaml:"gc"`
}

// Default returns a Cell populated with the defaults used when a key is
// absent from cell.yaml.
func Default() *Cell {
	return &Cell{
		Log: Log{Level: "info", JSON: false},
		Chain: Chain{
			SegmentMaxSize:     128 << 20,
			SegmentMaxOpenMmap: 20,
		},
		Pending: Pending{
			MaxOperationsPerRange: 500,
		},
		CommitManager: CommitManager{
			CommitMaximumInterval:       500 * time.Millisecond,
			OperationsCleanupAfterDepth: 10,
			BlockOperationsCount:        100,
		},
		ChainSync: ChainSync{
			BlocksMaxSendSize: 4 << 20,
			BeginCount:        2,
			EndCount:          2,
			SampledCount:      10,
		},
		Index: Index{
			ChainIndexDepthLeeway:     2,
			ChainIndexDeferredTimeout: time.Second,
			ChainIndexDeferredMaxOps:  50,
			EntityMutationsCacheSize:  4000,
		},
		GC: GC{
			RunIntervalSecs: 60,
			QueueSize:       1000,
		},
	}
}

// Load reads and parses cell.yaml at path, applying defaults for absent
// fields. A parse failure is a Config-kind error; per the error taxonomy
// this is fatal at startup.
func Load(path string) (*Cell, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, exoerr.New(exoerr.Config, "config.Load", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, exoerr.New(exoerr.Config, "config.Load", err)
	}
	if cfg.Node.ID == "" {
		return nil, exoerr.New(exoerr.Config, "config.Load", errMissingNodeID)
	}
	return cfg, nil
}

var errMissingNodeID = configErr("node.id is required")

type configErr string

func (e configErr) Error() string { return string(e) }
