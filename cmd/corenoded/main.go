// Command corenoded is the node process: it owns the blockstore, chain
// store, mempool and GC coordinator, drives the sync state machine
// against a fixed peer set (or none, for a standalone genesis node), and
// mounts the "Filecoin" JSON-RPC namespace corenode-tool dials.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-bitfield"
	"github.com/filecoin-project/go-state-types/abi"
	stbig "github.com/filecoin-project/go-state-types/big"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/urfave/cli/v2"

	"corechain/internal/blockstore"
	"corechain/internal/blockstore/segment"
	"corechain/internal/chain"
	"corechain/internal/chainstore"
	"corechain/internal/config"
	"corechain/internal/gc"
	"corechain/internal/genesis"
	"corechain/internal/logging"
	"corechain/internal/mpool"
	"corechain/internal/rpc"
	"corechain/internal/state"
	"corechain/internal/sync"
)

var log = logging.Logger("corechain/corenoded")

func main() {
	app := &cli.App{
		Name:  "corenoded",
		Usage: "Run a corechain node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "Path to a JSON config file (optional; defaults are used for anything it omits)"},
			&cli.StringFlag{Name: "genesis", Usage: "Path to a genesis_allocs.json produced by genesis-prep; a single unfunded genesis is used if omitted"},
			&cli.StringFlag{Name: "network-name", Value: "devnet", Usage: "Network name, salted into the genesis block and the head-gossip topic"},
			&cli.StringFlag{Name: "listen-p2p", Usage: "Multiaddr to listen for libp2p connections on, e.g. /ip4/0.0.0.0/tcp/4001 (p2p disabled if omitted)"},
			&cli.StringSliceFlag{Name: "peer", Usage: "Full multiaddr of a ChainExchange peer to fetch headers from (repeatable)"},
			&cli.BoolFlag{Name: "verbose"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("corenoded: %v", err)
	}
}

func run(c *cli.Context) error {
	if c.Bool("verbose") {
		logging.SetDebugLogging()
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	bs, err := segment.Open(cfg.DataDir + "/blocks")
	if err != nil {
		return fmt.Errorf("opening blockstore: %w", err)
	}
	defer bs.Close()

	meta := dssync.MutexWrap(ds.NewMapDatastore())

	store, evaluator, err := bootChain(c.Context, bs, meta, c.String("genesis"), c.String("network-name"))
	if err != nil {
		return err
	}

	pool := mpool.New(mpool.Config{
		MaxPerSender: cfg.Mpool.MaxPerSender,
		MaxTotal:     cfg.Mpool.MaxTotal,
	}, &treeAccountView{ctx: c.Context, bs: bs, store: store})

	var headers sync.BlockFetcher = sync.NewLocalFetcher()
	if addr := c.String("listen-p2p"); addr != "" {
		host, err := libp2p.New(libp2p.ListenAddrStrings(addr))
		if err != nil {
			return fmt.Errorf("starting libp2p host: %w", err)
		}
		defer host.Close()
		log.Infof("corenoded: libp2p listening on %v, peer id %s", host.Addrs(), host.ID())

		server := sync.NewChainExchangeServer(&chainHeaderFetcher{store: store})
		server.Register(host)

		var peers []peer.AddrInfo
		for _, pa := range c.StringSlice("peer") {
			ai, err := sync.ParsePeerAddrInfo(pa)
			if err != nil {
				return err
			}
			peers = append(peers, ai)
		}
		if len(peers) > 0 {
			headers = sync.NewChainExchangeFetcher(host, peers)
		}

		syncer := sync.New(store, evaluator, headers, noopMessageFetcher{}, &blockMessageSource{bs: bs}, pool, sync.Config{
			MaxChainLengthAhead: cfg.Sync.MaxChainLengthAhead,
			BlockWait:           time.Duration(cfg.Sync.BlockWaitSeconds) * time.Second,
		})

		gossip, err := sync.JoinHeadGossip(c.Context, host, c.String("network-name"))
		if err != nil {
			return fmt.Errorf("joining head gossip: %w", err)
		}
		defer gossip.Close()
		go gossip.Drive(c.Context, syncer)

		id, headCh := store.Subscribe()
		defer store.Unsubscribe(id)
		go announceHeads(c.Context, gossip, headCh)
	}
	// With no --listen-p2p, this node has no peers to receive candidate
	// heads from or serve headers to; it still runs genesis, the
	// mempool, GC and RPC on its own, single-tipset chain.

	coordinator := gc.New(bs, reachabilityFunc(store, cfg.Sync.FinalityEpochs), cfg.GC.PendingRequestCapacity)
	gcCtx, gcCancel := context.WithCancel(c.Context)
	defer gcCancel()
	go coordinator.Run(gcCtx)

	handler := rpc.NewHandler(coordinator, store)
	rpcServer := rpc.NewServer(handler)
	mux := http.NewServeMux()
	mux.Handle("/rpc/v1", rpcServer)
	httpServer := &http.Server{Addr: cfg.RPC.ListenAddr, Handler: mux}
	go func() {
		log.Infof("corenoded: RPC listening on %s", cfg.RPC.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("corenoded: RPC server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Infof("corenoded: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func bootChain(ctx context.Context, bs blockstore.Blockstore, meta ds.Datastore, genesisPath, networkName string) (*chainstore.Store, *state.Evaluator, error) {
	var accts []genesis.Account
	if genesisPath != "" {
		var err error
		accts, err = genesis.LoadAccounts(genesisPath)
		if err != nil {
			return nil, nil, err
		}
	}
	miner, err := address.NewIDAddress(0)
	if err != nil {
		return nil, nil, err
	}
	genesisTs, genesisRoot, err := genesis.Build(ctx, bs, miner, accts, networkName)
	if err != nil {
		return nil, nil, err
	}
	genesisCid, err := genesisTs.Blocks()[0].Cid()
	if err != nil {
		return nil, nil, err
	}

	store := chainstore.New(bs, meta, genesisCid)
	if err := store.Load(ctx); err != nil {
		log.Infof("corenoded: no persisted head, bootstrapping from genesis %s", genesisCid)
		if err := store.PutTipSet(ctx, genesisTs, genesisRoot); err != nil {
			return nil, nil, err
		}
		if _, err := store.SetHead(ctx, genesisTs); err != nil {
			return nil, nil, err
		}
	}

	return store, state.NewEvaluator(bs), nil
}

// treeAccountView answers mpool's admission questions by reading the
// actor tree rooted at the chain store's current head, reloading it on
// every call: admission is not hot-path-critical the way block
// production is, so there is no cached view to keep coherent across
// head changes.
type treeAccountView struct {
	ctx   context.Context
	bs    blockstore.Blockstore
	store *chainstore.Store
}

func (v *treeAccountView) currentTree() (*state.Tree, error) {
	head := v.store.Head()
	if head == nil {
		return nil, fmt.Errorf("corenoded: no chain head yet")
	}
	root, err := v.store.TipSetStateRoot(v.ctx, head.Key())
	if err != nil {
		return nil, err
	}
	return state.LoadTree(v.ctx, v.bs, root)
}

func (v *treeAccountView) ActorNonce(ctx context.Context, addr address.Address) (uint64, error) {
	tree, err := v.currentTree()
	if err != nil {
		return 0, err
	}
	actor, ok, err := tree.GetActor(ctx, addr)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return actor.Nonce, nil
}

func (v *treeAccountView) ActorBalance(ctx context.Context, addr address.Address) (stbig.Int, error) {
	tree, err := v.currentTree()
	if err != nil {
		return stbig.Zero(), err
	}
	actor, ok, err := tree.GetActor(ctx, addr)
	if err != nil {
		return stbig.Zero(), err
	}
	if !ok {
		return stbig.Zero(), nil
	}
	return actor.Balance, nil
}

// chainHeaderFetcher answers ChainExchange requests out of the local
// chain store, letting this node serve headers to peers as well as
// consume them.
type chainHeaderFetcher struct {
	store *chainstore.Store
}

func (f *chainHeaderFetcher) FetchHeaders(ctx context.Context, cids []cid.Cid) ([]*chain.BlockHeader, error) {
	out := make([]*chain.BlockHeader, len(cids))
	for i, c := range cids {
		ts, err := f.store.LoadTipSet(ctx, chain.NewTipSetKey([]cid.Cid{c}))
		if err != nil {
			return nil, err
		}
		out[i] = ts.Blocks()[0]
	}
	return out, nil
}

// noopMessageFetcher assumes a tipset's message AMT already reached the
// blockstore by the time HeaderValidate hands off to MessageFetch, e.g.
// via local block assembly or an archive replay. No message-bundle wire
// transport is implemented here, mirroring how BlockFetcher's own header
// transport is the only peer protocol this package concretely wires.
type noopMessageFetcher struct{}

func (noopMessageFetcher) FetchMessages(ctx context.Context, messagesRoot cid.Cid) error { return nil }

// blockMessageSource decodes a block's message AMT directly out of the
// blockstore, the read side of internal/chain.BuildMessagesAMT.
type blockMessageSource struct {
	bs blockstore.Blockstore
}

func (s *blockMessageSource) MessagesForBlock(ctx context.Context, blockCid cid.Cid) ([]*chain.SignedMessage, error) {
	blk, err := s.bs.Get(ctx, blockCid)
	if err != nil {
		return nil, fmt.Errorf("corenoded: loading block %s: %w", blockCid, err)
	}
	h, err := chain.DecodeBlockHeader(blk.RawData())
	if err != nil {
		return nil, fmt.Errorf("corenoded: decoding block %s: %w", blockCid, err)
	}
	return chain.LoadMessagesAMT(ctx, s.bs, h.Messages)
}

// reachabilityFunc builds a gc.Reachability that keeps every block,
// state root, receipts root and messages root within finalityEpochs of
// the current head. It does not walk into actor-tree or message-AMT
// internals, so it is a conservative over-approximation within that
// window rather than the tightest possible live set; deep state-tree GC
// would need a true mark phase over HAMT/AMT links, which this node does
// not perform.
func reachabilityFunc(store *chainstore.Store, finalityEpochs int64) gc.Reachability {
	return func(ctx context.Context) (*bitfield.BitField, map[cid.Cid]struct{}, error) {
		head := store.Head()
		if head == nil {
			return nil, map[cid.Cid]struct{}{}, nil
		}
		live := make(map[cid.Cid]struct{})
		cur := head
		cutoff := head.Height() - abi.ChainEpoch(finalityEpochs)
		for {
			for _, b := range cur.Blocks() {
				c, err := b.Cid()
				if err != nil {
					return nil, nil, err
				}
				live[c] = struct{}{}
				live[b.ParentStateRoot] = struct{}{}
				live[b.ParentMessageReceipts] = struct{}{}
				live[b.Messages] = struct{}{}
			}
			parents := cur.Parents()
			if len(parents.Cids()) == 0 || cur.Height() <= cutoff {
				break
			}
			next, err := store.LoadTipSet(ctx, parents)
			if err != nil {
				return nil, nil, err
			}
			cur = next
		}
		return nil, live, nil
	}
}

func announceHeads(ctx context.Context, gossip *sync.HeadGossip, heads <-chan *chain.TipSet) {
	for {
		select {
		case <-ctx.Done():
			return
		case ts, ok := <-heads:
			if !ok {
				return
			}
			if err := gossip.Announce(ctx, ts); err != nil {
				log.Warnf("corenoded: announcing head %s failed: %v", ts.Key(), err)
			}
		}
	}
}
