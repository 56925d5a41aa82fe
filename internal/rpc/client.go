package rpc

import (
	"context"
	"net/http"

	"github.com/filecoin-project/go-jsonrpc"
)

// Client is the method set a remote caller (corenode-tool, the
// conformance harness) dials against. Mirrors Handler's exported methods
// one for one; go-jsonrpc fills each field's function value in by name
// when NewClient returns.
type Client struct {
	DbGc      func(ctx context.Context) (GCResult, error)
	ChainHead func(ctx context.Context) (ChainHeadResult, error)
}

// NewClient dials addr (e.g. "ws://127.0.0.1:1234/rpc/v1" or an
// "http://" equivalent) and returns a Client plus a closer the caller
// must invoke once done, the same client/closer pairing
// NewFilecoinClient returns for lotus's api.FullNode.
func NewClient(ctx context.Context, addr string, token string) (*Client, jsonrpc.ClientCloser, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	var client Client
	closer, err := jsonrpc.NewClient(ctx, addr, "Filecoin", &client, header)
	if err != nil {
		return nil, nil, err
	}
	return &client, closer, nil
}
