// Package remote is the branch side of the Syncer service.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/breez/shop-sync/middleware"
	"github.com/breez/shop-sync/syncrpc"
	"github.com/btcsuite/btcd/btcec/v2"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var ErrEmptyReply = errors.New("empty reply from central")

// Endpoint is what the sync pumps need from the central node. Implementations
// may return a nil reply; callers treat it like an error.
type Endpoint interface {
	UploadChanges(ctx context.Context, req *syncrpc.UploadRequest) (*syncrpc.UploadReply, error)
	GetUpdates(ctx context.Context, query *syncrpc.UpdatesQuery) (*syncrpc.UpdatesReply, error)
}

// Client talks to the central node over gRPC.
type Client struct {
	conn   *grpc.ClientConn
	client syncrpc.SyncerClient
	key    *btcec.PrivateKey
}

// Dial connects to the central node at address. When key is not nil every
// request is signed with it.
func Dial(address string, key *btcec.PrivateKey, metrics *grpcprom.ClientMetrics, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if metrics != nil {
		dialOpts = append(dialOpts,
			grpc.WithChainUnaryInterceptor(metrics.UnaryClientInterceptor()),
			grpc.WithChainStreamInterceptor(metrics.StreamClientInterceptor()),
		)
	}
	dialOpts = append(dialOpts, opts...)
	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %v: %w", address, err)
	}
	return NewClient(conn, key), nil
}

func NewClient(conn *grpc.ClientConn, key *btcec.PrivateKey) *Client {
	return &Client{
		conn:   conn,
		client: syncrpc.NewSyncerClient(conn),
		key:    key,
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) sign(req interface{}) error {
	if c.key == nil {
		return nil
	}
	return middleware.SignRequest(c.key, req)
}

func (c *Client) UploadChanges(ctx context.Context, req *syncrpc.UploadRequest) (*syncrpc.UploadReply, error) {
	if err := c.sign(req); err != nil {
		return nil, err
	}
	return c.client.UploadChanges(ctx, req)
}

func (c *Client) GetUpdates(ctx context.Context, query *syncrpc.UpdatesQuery) (*syncrpc.UpdatesReply, error) {
	if err := c.sign(query); err != nil {
		return nil, err
	}
	return c.client.GetUpdates(ctx, query)
}

// TrackChanges calls onNotice for every change notice until the stream ends
// or ctx is done.
func (c *Client) TrackChanges(ctx context.Context, storeID string, onNotice func(*syncrpc.ChangeNotice)) error {
	req := &syncrpc.TrackRequest{StoreID: storeID}
	if err := c.sign(req); err != nil {
		return err
	}
	stream, err := c.client.TrackChanges(ctx, req)
	if err != nil {
		return err
	}
	for {
		notice, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		onNotice(notice)
	}
}
