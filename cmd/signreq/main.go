// signreq signs relay requests with a local key.
//
// Forward request mode (default): reads a request JSON ({"to","value","gas",
// "nonce","data"}) from stdin, fills "from" with the key's address and prints
// the {request, signature} body accepted by POST /api/v1/requests.
//
// Auth mode (--action): reads the operation payload JSON from stdin and prints
// the X-Wallet-* headers for an authenticated sponsor or admin call.
package main

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/0gfoundation/0g-relay/internal/auth"
	"github.com/0gfoundation/0g-relay/internal/request"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	keyHex        string
	chainID       int64
	forwarder     string
	domainName    string
	domainVersion string
	action        string
	expires       time.Duration
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	var o options
	fs := pflag.NewFlagSet("signreq", pflag.ContinueOnError)
	fs.StringVar(&o.keyHex, "key", os.Getenv("SIGNER_KEY"), "signer private key (hex, with or without 0x; default $SIGNER_KEY)")
	fs.Int64Var(&o.chainID, "chain-id", 16602, "domain chain ID")
	fs.StringVar(&o.forwarder, "forwarder", "", "forwarder (verifying contract) address")
	fs.StringVar(&o.domainName, "domain-name", "0G Relay Forwarder", "EIP-712 domain name")
	fs.StringVar(&o.domainVersion, "domain-version", "1", "EIP-712 domain version")
	fs.StringVar(&o.action, "action", "", "sign an authenticated call for this action instead of a forward request")
	fs.DurationVar(&o.expires, "expires", 2*time.Minute, "auth mode: validity window (at most 5m)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if o.keyHex == "" {
		return fmt.Errorf("--key or SIGNER_KEY is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(o.keyHex, "0x"))
	if err != nil {
		return fmt.Errorf("parse key: %w", err)
	}
	input, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	if o.action != "" {
		return signAuth(o, key, input, stdout)
	}
	return signForward(o, key, input, stdout)
}

func signForward(o options, key *ecdsa.PrivateKey, input []byte, out io.Writer) error {
	if !common.IsHexAddress(o.forwarder) {
		return fmt.Errorf("--forwarder must be an address, got %q", o.forwarder)
	}
	var req request.Request
	if err := json.Unmarshal(input, &req); err != nil {
		return fmt.Errorf("parse request: %w", err)
	}
	req.Sender = crypto.PubkeyToAddress(key.PublicKey)
	if req.Value == nil {
		req.Value = new(big.Int)
	}

	hasher := request.NewHasher(request.Domain{
		Name:              o.domainName,
		Version:           o.domainVersion,
		ChainID:           big.NewInt(o.chainID),
		VerifyingContract: common.HexToAddress(o.forwarder),
	})
	sig, err := hasher.Sign(&req, key)
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(request.Signed{Request: req, Signature: sig})
}

func signAuth(o options, key *ecdsa.PrivateKey, input []byte, out io.Writer) error {
	payload := json.RawMessage(strings.TrimSpace(string(input)))
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	msg, err := json.Marshal(auth.SignedRequest{
		Action:    o.action,
		ExpiresAt: time.Now().Add(o.expires).Unix(),
		Nonce:     uuid.NewString(),
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	sig, err := auth.SignMessage(msg, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s\n", auth.HeaderWallet, crypto.PubkeyToAddress(key.PublicKey).Hex())
	fmt.Fprintf(out, "%s: %s\n", auth.HeaderMessage, base64.StdEncoding.EncodeToString(msg))
	fmt.Fprintf(out, "%s: 0x%s\n", auth.HeaderSignature, hex.EncodeToString(sig))
	return nil
}
