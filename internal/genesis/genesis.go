// Package genesis builds the single-block tipset a node boots its
// chainstore from, crediting a set of accounts into a fresh state tree
// the same way cmd/genesis-prep's wallet output is meant to be consumed
// by a real node rather than only by a stress harness.
package genesis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/filecoin-project/go-address"
	stbig "github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"corechain/internal/blockstore"
	"corechain/internal/chain"
	"corechain/internal/state"
)

// Account mirrors cmd/genesis-prep's GenesisAccount JSON shape: an
// attoFIL balance credited to an address at genesis.
type Account struct {
	Type string `json:"Type"`
	Balance string `json:"Balance"`
	Meta struct {
		Owner string `json:"Owner"`
	} `json:"Meta"`
}

// LoadAccounts reads a genesis_allocs.json file produced by
// cmd/genesis-prep.
func LoadAccounts(path string) ([]Account, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: reading %s: %w", path, err)
	}
	var accs []Account
	if err := json.Unmarshal(b, &accs); err != nil {
		return nil, fmt.Errorf("genesis: parsing %s: %w", path, err)
	}
	return accs, nil
}

// saltCid hashes salt into a CID for the genesis block's Messages and
// ParentMessageReceipts fields, to give
// distinct deterministic networks (e.g. test vs. prod) distinct genesis
// CIDs without needing a real message DAG at height 0.
func saltCid(salt string) (cid.Cid, error) {
	mh, err := multihash.Sum([]byte(salt), multihash.BLAKE2B_MIN+31, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.DagCBOR, mh), nil
}

// Build credits accts into a fresh state tree rooted in bs and returns
// the resulting single-block genesis tipset plus its state root. miner
// is the block's nominal author; genesis blocks carry no real election
// or PoSt proof since no round was actually won.
func Build(ctx context.Context, bs blockstore.Blockstore, miner address.Address, accts []Account, networkName string) (*chain.TipSet, cid.Cid, error) {
	tree, err := state.LoadTree(ctx, bs, cid.Undef)
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("genesis: loading empty tree: %w", err)
	}
	rules, err := state.RulesFor(0)
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("genesis: resolving actor rules: %w", err)
	}

	for _, acc := range accts {
		addr, err := address.NewFromString(acc.Meta.Owner)
		if err != nil {
			return nil, cid.Undef, fmt.Errorf("genesis: parsing address %q: %w", acc.Meta.Owner, err)
		}
		bal, err := stbig.FromString(acc.Balance)
		if err != nil {
			return nil, cid.Undef, fmt.Errorf("genesis: parsing balance for %s: %w", addr, err)
		}
		if err := tree.SetActor(ctx, addr, &state.ActorState{
			Code:    rules.AccountCodeCID,
			Head:    cid.Undef,
			Nonce:   0,
			Balance: bal,
		}); err != nil {
			return nil, cid.Undef, fmt.Errorf("genesis: crediting %s: %w", addr, err)
		}
	}

	root, err := tree.Flush(ctx)
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("genesis: flushing state tree: %w", err)
	}

	messagesCid, err := saltCid(networkName + "-genesis-messages")
	if err != nil {
		return nil, cid.Undef, err
	}
	receiptsCid, err := saltCid(networkName + "-genesis-receipts")
	if err != nil {
		return nil, cid.Undef, err
	}

	header := &chain.BlockHeader{
		Miner:                 miner,
		Ticket:                &chain.Ticket{VRFProof: []byte(networkName + "-genesis-ticket")},
		ElectionProof:         &chain.ElectionProof{WinCount: 1, VRFProof: []byte(networkName + "-genesis-election")},
		BeaconEntries:         []chain.BeaconEntry{{Round: 0, Data: []byte(networkName + "-genesis-beacon")}},
		WinPoStProof:          []chain.PoStProof{},
		ParentWeight:          stbig.Zero(),
		Height:                0,
		ParentStateRoot:       root,
		ParentMessageReceipts: receiptsCid,
		Messages:              messagesCid,
		Timestamp:             0,
		ParentBaseFee:         stbig.NewInt(100),
	}

	ts, err := chain.NewTipSet([]*chain.BlockHeader{header})
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("genesis: building tipset: %w", err)
	}
	return ts, root, nil
}
