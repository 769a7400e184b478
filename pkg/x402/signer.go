package x402

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Payer turns payment requirements into a signed payment payload.
type Payer interface {
	Address() string
	Pay(ctx context.Context, req PaymentRequirements) (*PaymentPayload, error)
}

var ErrUnsupportedScheme = errors.New("x402: unsupported payment scheme")

// EVMPayer signs EIP-3009 transfer authorizations with a local key.
type EVMPayer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	now     func() time.Time
}

// NewEVMPayer creates a payer from a hex private key (with or without 0x).
func NewEVMPayer(hexKey string) (*EVMPayer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("x402: invalid private key: %w", err)
	}
	return &EVMPayer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		now:     time.Now,
	}, nil
}

// Address returns the payer's checksummed address.
func (p *EVMPayer) Address() string {
	return p.address.Hex()
}

// Pay signs an authorization for exactly req.MaxAmountRequired.
func (p *EVMPayer) Pay(_ context.Context, req PaymentRequirements) (*PaymentPayload, error) {
	if req.Scheme != SchemeExact {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, req.Scheme)
	}
	network, err := LookupNetwork(req.Network)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(req.PayTo) {
		return nil, fmt.Errorf("x402: invalid payTo %q", req.PayTo)
	}
	value, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok || value.Sign() <= 0 {
		return nil, fmt.Errorf("x402: invalid amount %q", req.MaxAmountRequired)
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("x402: nonce: %w", err)
	}

	timeout := req.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}
	now := p.now().Unix()
	auth := Authorization{
		From:        p.address.Hex(),
		To:          common.HexToAddress(req.PayTo).Hex(),
		Value:       value.String(),
		ValidAfter:  strconv.FormatInt(now-600, 10),
		ValidBefore: strconv.FormatInt(now+int64(timeout), 10),
		Nonce:       hexutil.Encode(nonce[:]),
	}

	asset := req.Asset
	if asset == "" {
		asset = network.Asset
	}
	name, version := network.TokenName, network.TokenVersion
	if v, ok := req.Extra["name"].(string); ok && v != "" {
		name = v
	}
	if v, ok := req.Extra["version"].(string); ok && v != "" {
		version = v
	}

	hash, err := AuthorizationHash(auth, name, version, network.ChainID, asset)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash, p.key)
	if err != nil {
		return nil, fmt.Errorf("x402: sign: %w", err)
	}
	sig[64] += 27

	raw, err := json.Marshal(ExactEVMPayload{Signature: hexutil.Encode(sig), Authorization: auth})
	if err != nil {
		return nil, err
	}
	return &PaymentPayload{
		X402Version: Version,
		Scheme:      SchemeExact,
		Network:     network.Name,
		Payload:     raw,
	}, nil
}

// AuthorizationHash computes the EIP-712 digest of a
// TransferWithAuthorization message for the given token domain.
func AuthorizationHash(auth Authorization, tokenName, tokenVersion string, chainID int64, asset string) ([]byte, error) {
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              tokenName,
			Version:           tokenVersion,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: common.HexToAddress(asset).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("x402: typed data: %w", err)
	}
	return hash, nil
}

// RecoverSigner returns the address that produced sig over hash.
func RecoverSigner(hash []byte, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, err
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("x402: signature length %d", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
