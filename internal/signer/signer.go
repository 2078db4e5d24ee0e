// Package signer holds the bridge's EVM key and the signature rules of the
// protocol: users prove address ownership with personal_sign challenges, and
// the bridge signs mint receipts users redeem against the wTKN contract.
package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignature is returned when a signature does not recover to the
// claimed EVM address.
var ErrInvalidSignature = errors.New("invalid signature")

// Challenge builders. The strings are part of the wire protocol; wallets sign
// them verbatim.

// ClaimChallenge is the message a user signs to bind a native address.
func ClaimChallenge(native string) string {
	return fmt.Sprintf("I hereby claim that the native address \"%s\" is mine", native)
}

// WithdrawalChallenge authorises a withdrawal of amount (decimal string).
func WithdrawalChallenge(amount, symbol, native string) string {
	return fmt.Sprintf("Withdraw %s %s to my wallet \"%s\"", amount, symbol, native)
}

// SwapChallenge authorises converting deposited coin into a mint receipt.
func SwapChallenge(amount, symbol, native string) string {
	return fmt.Sprintf("Swap %s %s for w%s with %s I deposited from my wallet \"%s\"",
		amount, symbol, symbol, symbol, native)
}

// Signer verifies user challenges and signs mint receipts.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

// New creates a Signer from a hex-encoded private key and the wTKN chain id.
func New(privateKeyHex string, chainID uint64) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse bridge key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).SetUint64(chainID),
	}, nil
}

// Address returns the bridge's signing address.
func (s *Signer) Address() common.Address {
	return s.address
}

// Verify checks that signature is a personal_sign of message by evm.
// Address comparison goes through common.Address so EIP-55 casing in either
// input cannot cause a mismatch.
func (s *Signer) Verify(message, signatureHex, evm string) error {
	recovered, err := RecoverPersonalSign(message, signatureHex)
	if err != nil {
		return err
	}
	if recovered != common.HexToAddress(evm) {
		return fmt.Errorf("%w: recovered %s, want %s", ErrInvalidSignature, recovered.Hex(), evm)
	}
	return nil
}

// RecoverPersonalSign recovers the signer of an EIP-191 personal_sign message.
func RecoverPersonalSign(message, signatureHex string) (common.Address, error) {
	sig, err := hexutil.Decode(ensureHexPrefix(signatureHex))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature is %d bytes", ErrInvalidSignature, len(sig))
	}

	// Wallets emit V as 27/28; go-ethereum expects 0/1
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// MintReceipt is the off-chain authorisation to mint wTKN.
type MintReceipt struct {
	Receipt string // hex signature the user submits to the contract
	UUID    uint64
}

var receiptArgs = abi.Arguments{
	{Type: mustType("address")},
	{Type: mustType("uint256")}, // amount, wrapped-token units
	{Type: mustType("uint256")}, // uuid
	{Type: mustType("uint256")}, // chain id
}

// SignMintReceipt builds and signs the mint payload
// abi.encode(address, uint256 amount, uint256 uuid, uint256 chainId),
// hashing with keccak256 and personal_sign-ing the 32-byte digest.
// The uuid makes the receipt idempotent on-chain.
func (s *Signer) SignMintReceipt(evm string, wrappedAmount *big.Int, uuid uint64) (*MintReceipt, error) {
	payload, err := receiptArgs.Pack(
		common.HexToAddress(evm),
		wrappedAmount,
		new(big.Int).SetUint64(uuid),
		s.chainID,
	)
	if err != nil {
		return nil, fmt.Errorf("pack mint receipt: %w", err)
	}

	digest := crypto.Keccak256(payload)
	sig, err := crypto.Sign(accounts.TextHash(digest), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign mint receipt: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27 // contract-side ecrecover expects 27/28

	return &MintReceipt{Receipt: hexutil.Encode(sig), UUID: uuid}, nil
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
