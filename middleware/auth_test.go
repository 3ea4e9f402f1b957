package middleware

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/breez/shop-sync/config"
	"github.com/breez/shop-sync/syncrpc"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	privateKey, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to create private key")
	pubkey := privateKey.PubKey().SerializeCompressed()
	message := []byte("test message")
	signature, err := SignMessage(privateKey, message)
	require.NoError(t, err, "failed to sign message")
	recoveredKey, err := VerifyMessage(message, signature)
	require.NoError(t, err, "failed to verify message")
	require.Equal(t, recoveredKey.SerializeCompressed(), pubkey)
}

func TestAuthenticateSignedUpload(t *testing.T) {
	privateKey, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to create private key")

	req := &syncrpc.UploadRequest{
		StoreID:    "store-1",
		StoreType:  "workshop",
		ServerRole: "branch",
		Changes: []*syncrpc.Change{{
			LogID:     "L1",
			TableName: "orders",
			Action:    "UPDATE",
			RecordID:  "ORD-1",
			Payload:   json.RawMessage(`{"status":"220"}`),
		}},
	}
	require.NoError(t, SignRequest(privateKey, req), "failed to sign request")
	require.NotEmpty(t, req.Signature)
	require.NotZero(t, req.RequestTime)

	ctx, err := Authenticate(&config.Config{RequireSignatures: true}, context.Background(), req)
	require.NoError(t, err, "failed to authenticate")
	require.Equal(t,
		hex.EncodeToString(privateKey.PubKey().SerializeCompressed()),
		ctx.Value(NODE_PUBKEY_CONTEXT_KEY))
}

func TestAuthenticateUnsigned(t *testing.T) {
	query := &syncrpc.UpdatesQuery{StoreID: "store-1", LastSyncTime: time.Now(), PageSize: 10}

	ctx, err := Authenticate(&config.Config{}, context.Background(), query)
	require.NoError(t, err, "unsigned request should pass when signatures are optional")
	require.Nil(t, ctx.Value(NODE_PUBKEY_CONTEXT_KEY))

	_, err = Authenticate(&config.Config{RequireSignatures: true}, context.Background(), query)
	require.ErrorIs(t, err, ErrMissingSignature)
}

func TestAuthenticateUnsupported(t *testing.T) {
	_, err := Authenticate(&config.Config{}, context.Background(), "not a request")
	require.ErrorIs(t, err, ErrUnsupportedRequest)
}

func TestAuthenticateBindsChangeFields(t *testing.T) {
	privateKey, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to create private key")
	signer := hex.EncodeToString(privateKey.PubKey().SerializeCompressed())

	newRequest := func() *syncrpc.UploadRequest {
		return &syncrpc.UploadRequest{
			StoreID:    "store-1",
			StoreType:  "workshop",
			ServerRole: "branch",
			Changes: []*syncrpc.Change{{
				LogID:     "L1",
				TableName: "orders",
				Action:    "UPDATE",
				RecordID:  "ORD-1",
				Payload:   json.RawMessage(`{"status":"220"}`),
			}},
		}
	}
	signed := newRequest()
	require.NoError(t, SignRequest(privateKey, signed), "failed to sign request")

	for name, tamper := range map[string]func(c *syncrpc.Change){
		"action": func(c *syncrpc.Change) { c.Action = "DELETE"; c.Payload = nil },
		"table":  func(c *syncrpc.Change) { c.TableName = "customers" },
		"record": func(c *syncrpc.Change) { c.RecordID = "ORD-2" },
	} {
		t.Run(name, func(t *testing.T) {
			req := newRequest()
			req.RequestTime = signed.RequestTime
			req.Signature = signed.Signature
			tamper(req.Changes[0])

			ctx, err := Authenticate(&config.Config{RequireSignatures: true}, context.Background(), req)
			if err == nil {
				require.NotEqual(t, signer, ctx.Value(NODE_PUBKEY_CONTEXT_KEY))
			}
		})
	}
}

func TestAuthenticateBindsQueryCursor(t *testing.T) {
	privateKey, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to create private key")
	signer := hex.EncodeToString(privateKey.PubKey().SerializeCompressed())

	query := &syncrpc.UpdatesQuery{StoreID: "store-1", LastSyncTime: time.Now(), AfterLogID: "L1", PageSize: 10}
	require.NoError(t, SignRequest(privateKey, query), "failed to sign query")
	ctx, err := Authenticate(&config.Config{}, context.Background(), query)
	require.NoError(t, err)
	require.Equal(t, signer, ctx.Value(NODE_PUBKEY_CONTEXT_KEY))

	query.AfterLogID = "L0"
	ctx, err = Authenticate(&config.Config{}, context.Background(), query)
	if err == nil {
		require.NotEqual(t, signer, ctx.Value(NODE_PUBKEY_CONTEXT_KEY))
	}
}
