package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/breez/shop-sync/config"
	"github.com/breez/shop-sync/syncrpc"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/tv42/zbase32"
)

const (
	NODE_PUBKEY_CONTEXT_KEY = "node_pubkey"
)

var ErrInvalidSignature = fmt.Errorf("invalid signature")
var ErrMissingSignature = fmt.Errorf("missing signature")
var ErrUnsupportedRequest = fmt.Errorf("unsupported request")
var SignedMsgPrefix = []byte("shopsync:")

// Authenticate checks the envelope signature of a sync request. Unsigned
// requests pass unless the node requires signatures; signed ones must verify.
// The recovered node key is stored in the returned context.
func Authenticate(config *config.Config, ctx context.Context, req interface{}) (context.Context, error) {
	toVerify, signature, err := signedContent(req)
	if err != nil {
		return nil, err
	}
	if signature == "" {
		if config.RequireSignatures {
			return nil, ErrMissingSignature
		}
		return ctx, nil
	}

	pubkey, err := VerifyMessage([]byte(toVerify), signature)
	if err != nil {
		return nil, err
	}

	pubkeyBytes := pubkey.SerializeCompressed()
	newContext := context.WithValue(ctx, NODE_PUBKEY_CONTEXT_KEY, hex.EncodeToString(pubkeyBytes))
	return newContext, nil
}

func signedContent(req interface{}) (string, string, error) {
	switch r := req.(type) {
	case *syncrpc.UploadRequest:
		return SignUploadRequest(r), r.Signature, nil
	case *syncrpc.UpdatesQuery:
		return SignUpdatesQuery(r), r.Signature, nil
	case *syncrpc.TrackRequest:
		return fmt.Sprintf("%v-%v", r.StoreID, r.RequestTime), r.Signature, nil
	}
	return "", "", fmt.Errorf("%w: %T", ErrUnsupportedRequest, req)
}

func SignUploadRequest(req *syncrpc.UploadRequest) string {
	logIDs := make([]string, 0, len(req.Changes))
	for _, c := range req.Changes {
		if c == nil {
			continue
		}
		logIDs = append(logIDs, fmt.Sprintf("%v:%v:%v:%v:%v",
			c.LogID, c.TableName, c.Action, c.RecordID, hex.EncodeToString(compactJSON(c.Payload))))
	}
	return fmt.Sprintf(
		"%v-%v-%v-%v-%v",
		req.StoreID,
		req.StoreType,
		req.ServerRole,
		strings.Join(logIDs, ","),
		req.RequestTime,
	)
}

// compactJSON matches the payload bytes after a trip through the JSON codec.
func compactJSON(payload []byte) []byte {
	if len(payload) == 0 {
		return payload
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return payload
	}
	return buf.Bytes()
}

func SignUpdatesQuery(q *syncrpc.UpdatesQuery) string {
	return fmt.Sprintf(
		"%v-%v-%v-%v-%v-%v-%v",
		q.StoreID,
		q.StoreType,
		q.ServerRole,
		q.LastSyncTime.UnixNano(),
		q.AfterLogID,
		q.PageSize,
		q.RequestTime,
	)
}

// SignRequest stamps the request time and signature on a sync request.
func SignRequest(key *btcec.PrivateKey, req interface{}) error {
	requestTime := time.Now().Unix()
	switch r := req.(type) {
	case *syncrpc.UploadRequest:
		r.RequestTime = requestTime
	case *syncrpc.UpdatesQuery:
		r.RequestTime = requestTime
	case *syncrpc.TrackRequest:
		r.RequestTime = requestTime
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedRequest, req)
	}
	toSign, _, err := signedContent(req)
	if err != nil {
		return err
	}
	signature, err := SignMessage(key, []byte(toSign))
	if err != nil {
		return err
	}
	switch r := req.(type) {
	case *syncrpc.UploadRequest:
		r.Signature = signature
	case *syncrpc.UpdatesQuery:
		r.Signature = signature
	case *syncrpc.TrackRequest:
		r.Signature = signature
	}
	return nil
}

func SignMessage(key *btcec.PrivateKey, msg []byte) (string, error) {
	message := append(SignedMsgPrefix, msg...)
	digest := chainhash.DoubleHashB(message)
	signture, err := ecdsa.SignCompact(key, digest, true)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %v", err)
	}
	sig := zbase32.EncodeToString(signture)
	return sig, nil
}

func VerifyMessage(message []byte, signature string) (*btcec.PublicKey, error) {
	// The signature should be zbase32 encoded
	sig, err := zbase32.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %v", err)
	}

	msg := append(SignedMsgPrefix, message...)
	first := sha256.Sum256(msg)
	second := sha256.Sum256(first[:])
	pubkey, wasCompressed, err := ecdsa.RecoverCompact(
		sig,
		second[:],
	)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	if !wasCompressed {
		return nil, ErrInvalidSignature
	}

	return pubkey, nil
}
