// Package state implements the state evaluator: applying a tipset's
// messages against a parent state root to produce a new state root,
// receipts, and gas totals.
package state

import (
	"fmt"

	"github.com/filecoin-project/go-state-types/abi"
	stbig "github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"

	actorsv0 "github.com/filecoin-project/specs-actors/actors/builtin"
	actorsv2 "github.com/filecoin-project/specs-actors/v2/actors/builtin"
	actorsv3 "github.com/filecoin-project/specs-actors/v3/actors/builtin"
	actorsv4 "github.com/filecoin-project/specs-actors/v4/actors/builtin"
	actorsv5 "github.com/filecoin-project/specs-actors/v5/actors/builtin"
	actorsv6 "github.com/filecoin-project/specs-actors/v6/actors/builtin"
	actorsv7 "github.com/filecoin-project/specs-actors/v7/actors/builtin"
)

// RuleSet is the slice of protocol behavior that varies by network
// version: which major specs-actors release's code CIDs are in effect,
// and the gas schedule floors the evaluator enforces at admission and
// execution — an explicit version-to-rule-table lookup standing in for
// the block's network version.
type RuleSet struct {
	// AccountCodeCID identifies the account actor implementation this
	// network version's genesis and message-induced account creation
	// use, drawn straight from the pinned specs-actors major version.
	AccountCodeCID cid.Cid
	// MinGasPremium is the per-gas premium floor the evaluator pays the
	// block producer at for this version: a message declaring a lower
	// premium is charged this floor instead. The mempool does not consult
	// it.
	MinGasPremium stbig.Int
	// BaseFeeFloor is the minimum a tipset's ParentBaseFee may fall to
	// regardless of declining chain congestion.
	BaseFeeFloor stbig.Int
	// BlockGasLimit bounds the sum of GasLimit across every message a
	// single block may include.
	BlockGasLimit int64
}

// ruleTable maps a network version to its RuleSet. Versions are added in
// order as the protocol evolves. NetworkVersionForHeight only yields 0, 7,
// 12 and 15, so Apply never selects the entries for 2, 10 and 13.
var ruleTable = map[abi.NetworkVersion]RuleSet{
	0: {AccountCodeCID: actorsv0.AccountActorCodeID, MinGasPremium: stbig.NewInt(0), BaseFeeFloor: stbig.NewInt(100), BlockGasLimit: 10_000_000_000},
	2: {AccountCodeCID: actorsv2.AccountActorCodeID, MinGasPremium: stbig.NewInt(0), BaseFeeFloor: stbig.NewInt(100), BlockGasLimit: 10_000_000_000},
	7: {AccountCodeCID: actorsv3.AccountActorCodeID, MinGasPremium: stbig.NewInt(1), BaseFeeFloor: stbig.NewInt(100), BlockGasLimit: 10_000_000_000},
	10: {AccountCodeCID: actorsv4.AccountActorCodeID, MinGasPremium: stbig.NewInt(1), BaseFeeFloor: stbig.NewInt(100), BlockGasLimit: 10_000_000_000},
	12: {AccountCodeCID: actorsv5.AccountActorCodeID, MinGasPremium: stbig.NewInt(1), BaseFeeFloor: stbig.NewInt(100), BlockGasLimit: 10_000_000_000},
	13: {AccountCodeCID: actorsv6.AccountActorCodeID, MinGasPremium: stbig.NewInt(1), BaseFeeFloor: stbig.NewInt(100), BlockGasLimit: 10_000_000_000},
	15: {AccountCodeCID: actorsv7.AccountActorCodeID, MinGasPremium: stbig.NewInt(1), BaseFeeFloor: stbig.NewInt(100), BlockGasLimit: 10_000_000_000},
}

// knownVersions is ruleTable's keys in ascending order, computed once so
// RulesFor can find the latest version at or below a given version without
// rebuilding a sorted slice on every call.
var knownVersions = sortedRuleVersions()

func sortedRuleVersions() []abi.NetworkVersion {
	out := make([]abi.NetworkVersion, 0, len(ruleTable))
	for v := range ruleTable {
		out = append(out, v)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// RulesFor returns the RuleSet in effect at nv, which is the entry for
// the greatest registered version that is <= nv. A nv before the first
// registered version is an error: there is no protocol to evaluate
// against.
func RulesFor(nv abi.NetworkVersion) (RuleSet, error) {
	var best abi.NetworkVersion
	found := false
	for _, v := range knownVersions {
		if v <= nv {
			best = v
			found = true
		}
	}
	if !found {
		return RuleSet{}, fmt.Errorf("state: no rule set registered at or below network version %d", nv)
	}
	return ruleTable[best], nil
}
