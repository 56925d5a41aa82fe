package sync

import (
	"bufio"
	"bytes"
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"

	"corechain/internal/chain"
)

// headTopicFormat names the gossip topic candidate heads are published
// on, parameterized by network name the way lotus's hello/exchange
// topics are (e.g. "/fil/headnotifs/<network>").
const headTopicFormat = "/corechain/headnotifs/%s"

// HeadGossip wraps a libp2p-pubsub topic carrying candidate head
// announcements: CBOR-encoded arrays of block CIDs, one per announced
// tipset, the gossip channel of candidate heads the sync state machine
// is specified to consume without defining its wire details further.
type HeadGossip struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

// JoinHeadGossip creates a new GossipSub instance on h and joins
// the head-announcement topic for networkName.
func JoinHeadGossip(ctx context.Context, h host.Host, networkName string) (*HeadGossip, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("sync: starting gossipsub: %w", err)
	}
	topic, err := ps.Join(fmt.Sprintf(headTopicFormat, networkName))
	if err != nil {
		return nil, fmt.Errorf("sync: joining head gossip topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("sync: subscribing to head gossip topic: %w", err)
	}
	return &HeadGossip{topic: topic, sub: sub}, nil
}

// Announce publishes ts's block CIDs as a candidate head to the topic.
func (g *HeadGossip) Announce(ctx context.Context, ts *chain.TipSet) error {
	data, err := encodeHeadAnnouncement(ts.Key().Cids())
	if err != nil {
		return err
	}
	return g.topic.Publish(ctx, data)
}

// Drive reads announcements off the topic until ctx is cancelled,
// invoking syncer.HandleNewHead for each one it can decode. Malformed
// announcements are dropped rather than treated as fatal, since a single
// bad peer message must not stop the subscriber loop.
func (g *HeadGossip) Drive(ctx context.Context, syncer *Syncer) {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		cids, err := decodeHeadAnnouncement(msg.Data)
		if err != nil {
			log.Warnf("sync: dropping malformed head announcement: %v", err)
			continue
		}
		if err := syncer.HandleNewHead(ctx, cids); err != nil {
			log.Warnf("sync: HandleNewHead from gossip failed: %v", err)
		}
	}
}

// Close cancels the subscription and leaves the topic.
func (g *HeadGossip) Close() {
	g.sub.Cancel()
	_ = g.topic.Close()
}

// encodeHeadAnnouncement/decodeHeadAnnouncement reuse the ChainExchange
// request's [head []Cid, length, options] CBOR tuple shape for head
// announcements too, with length/options left at zero: it is already a
// length-prefixed CID array, which is all an announcement needs.
func encodeHeadAnnouncement(cids []cid.Cid) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeExchangeRequest(&buf, cids, 0, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeHeadAnnouncement(data []byte) ([]cid.Cid, error) {
	br := bufio.NewReader(bytes.NewReader(data))
	head, _, _, err := readExchangeRequest(br)
	if err != nil {
		return nil, err
	}
	return head, nil
}
