// Package config loads corenoded's on-disk configuration, with
// environment-variable overrides for operational tuning.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config is corenoded's full runtime configuration.
type Config struct {
	// DataDir holds the blockstore segments and their index files (under
	// blocks/). corenoded keeps the chain head pointer and per-tipset state
	// roots in an in-memory datastore, so they are not stored here and do
	// not survive a restart.
	DataDir string `json:"data_dir"`

	Sync      SyncConfig      `json:"sync"`
	Mpool     MpoolConfig     `json:"mpool"`
	GC        GCConfig        `json:"gc"`
	RPC       RPCConfig       `json:"rpc"`
}

// SyncConfig tunes the sync state machine.
type SyncConfig struct {
	// MaxChainLengthAhead bounds how many epochs beyond the local head a
	// candidate chain may advance before it is rejected as too long to
	// validate in one pass.
	MaxChainLengthAhead int64 `json:"max_chain_length_ahead"`
	// FinalityEpochs is the depth beyond which tipsets are considered
	// final and are no longer subject to reorg.
	FinalityEpochs int64 `json:"finality_epochs"`
	// BlockWaitSeconds bounds how long the fetcher waits for a peer's
	// response to a header request.
	BlockWaitSeconds int `json:"block_wait_seconds"`
}

// MpoolConfig tunes message admission and eviction.
type MpoolConfig struct {
	MaxPerSender int `json:"max_per_sender"`
	MaxTotal     int `json:"max_total"`
}

// GCConfig tunes the GC coordinator.
type GCConfig struct {
	// PendingRequestCapacity bounds the channel-of-channels rendezvous
	// queue depth; beyond this, further db_gc callers block until the
	// worker dequeues a request.
	PendingRequestCapacity int `json:"pending_request_capacity"`
}

// RPCConfig configures the JSON-RPC listener.
type RPCConfig struct {
	ListenAddr string `json:"listen_addr"`
}

// Default returns the configuration corenoded starts from before applying
// a config file or environment overrides.
func Default() Config {
	return Config{
		DataDir: "./corechain-data",
		Sync: SyncConfig{
			MaxChainLengthAhead: 900,
			FinalityEpochs:      900,
			BlockWaitSeconds:    20,
		},
		Mpool: MpoolConfig{
			MaxPerSender: 256,
			MaxTotal:     32 << 10,
		},
		GC: GCConfig{
			PendingRequestCapacity: 1,
		},
		RPC: RPCConfig{
			ListenAddr: "127.0.0.1:2137",
		},
	}
}

// Load reads a JSON configuration file at path, falling back to defaults
// for any field the file omits, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.DataDir = envOrDefault("CORECHAIN_DATA_DIR", cfg.DataDir)
	cfg.Sync.MaxChainLengthAhead = int64(envInt("CORECHAIN_SYNC_MAX_AHEAD", int(cfg.Sync.MaxChainLengthAhead)))
	cfg.Sync.FinalityEpochs = int64(envInt("CORECHAIN_SYNC_FINALITY", int(cfg.Sync.FinalityEpochs)))
	cfg.Sync.BlockWaitSeconds = envInt("CORECHAIN_SYNC_BLOCK_WAIT", cfg.Sync.BlockWaitSeconds)
	cfg.Mpool.MaxPerSender = envInt("CORECHAIN_MPOOL_MAX_PER_SENDER", cfg.Mpool.MaxPerSender)
	cfg.Mpool.MaxTotal = envInt("CORECHAIN_MPOOL_MAX_TOTAL", cfg.Mpool.MaxTotal)
	cfg.GC.PendingRequestCapacity = envInt("CORECHAIN_GC_QUEUE_CAPACITY", cfg.GC.PendingRequestCapacity)
	cfg.RPC.ListenAddr = envOrDefault("CORECHAIN_RPC_LISTEN", cfg.RPC.ListenAddr)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
