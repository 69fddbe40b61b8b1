package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Domain values for liquidation authorizations.
const (
	DomainName    = "lendliq"
	DomainVersion = "1"
)

var (
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	liquidationTypeHash = ethcrypto.Keccak256(
		[]byte("Liquidation(address liquidator,string user,string collateralAsset,string borrowedAsset,uint256 nonce,uint256 deadline)"),
	)

	// ErrBadSignature is returned when a signature is malformed or was not
	// produced by the claimed liquidator.
	ErrBadSignature = errors.New("crypto: bad signature")
)

// LiquidationAuth is the typed message a liquidator signs to authorize one
// liquidation attempt and the debit of its repay funds.
type LiquidationAuth struct {
	Liquidator      string `json:"liquidator"`
	User            string `json:"user"`
	CollateralAsset string `json:"collateralAsset"`
	BorrowedAsset   string `json:"borrowedAsset"`
	Nonce           uint64 `json:"nonce"`
	Deadline        int64  `json:"deadline"` // unix seconds
}

// Signer signs liquidation authorizations with a secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domainSep  []byte
}

// NewSigner creates a Signer from a hex private key for chainID.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		domainSep:  domainSeparator(chainID),
	}, nil
}

// Address returns the signer's checksummed address.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// SignLiquidation signs auth and returns the 65-byte r||s||v signature as
// 0x-prefixed hex, v in {27, 28}.
func (s *Signer) SignLiquidation(auth LiquidationAuth) (string, error) {
	if !strings.EqualFold(auth.Liquidator, s.address.Hex()) {
		return "", fmt.Errorf("crypto/signer: liquidator %s is not signer %s", auth.Liquidator, s.address.Hex())
	}
	digest, err := typedDigest(s.domainSep, auth)
	if err != nil {
		return "", err
	}
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// Verifier checks liquidation authorizations for one chain.
type Verifier struct {
	domainSep []byte
}

// NewVerifier creates a Verifier for chainID.
func NewVerifier(chainID int64) *Verifier {
	return &Verifier{domainSep: domainSeparator(chainID)}
}

// Recover returns the checksummed address that signed auth.
func (v *Verifier) Recover(auth LiquidationAuth, signatureHex string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil || len(sig) != 65 {
		return "", fmt.Errorf("%w: want 65 hex bytes", ErrBadSignature)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return "", fmt.Errorf("%w: recovery id %d", ErrBadSignature, sig[64])
	}

	digest, err := typedDigest(v.domainSep, auth)
	if err != nil {
		return "", err
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub).Hex(), nil
}

// VerifyLiquidation checks that signatureHex was produced by auth.Liquidator.
func (v *Verifier) VerifyLiquidation(auth LiquidationAuth, signatureHex string) error {
	signer, err := v.Recover(auth, signatureHex)
	if err != nil {
		return err
	}
	if !strings.EqualFold(signer, auth.Liquidator) {
		return fmt.Errorf("%w: signed by %s, not %s", ErrBadSignature, signer, auth.Liquidator)
	}
	return nil
}

// NormalizeAddress returns the checksummed form of a hex address.
func NormalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("crypto: invalid address %q", addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

func domainSeparator(chainID int64) []byte {
	return ethcrypto.Keccak256(
		eip712DomainTypeHash,
		ethcrypto.Keccak256([]byte(DomainName)),
		ethcrypto.Keccak256([]byte(DomainVersion)),
		word(big.NewInt(chainID)),
	)
}

// typedDigest is keccak256("\x19\x01" || domainSeparator || structHash).
func typedDigest(domainSep []byte, a LiquidationAuth) ([]byte, error) {
	if !common.IsHexAddress(a.Liquidator) {
		return nil, fmt.Errorf("crypto/signer: invalid liquidator address %q", a.Liquidator)
	}
	if a.Deadline < 0 {
		return nil, fmt.Errorf("crypto/signer: negative deadline %d", a.Deadline)
	}
	structHash := ethcrypto.Keccak256(
		liquidationTypeHash,
		common.LeftPadBytes(common.HexToAddress(a.Liquidator).Bytes(), 32),
		ethcrypto.Keccak256([]byte(a.User)),
		ethcrypto.Keccak256([]byte(a.CollateralAsset)),
		ethcrypto.Keccak256([]byte(a.BorrowedAsset)),
		word(new(big.Int).SetUint64(a.Nonce)),
		word(big.NewInt(a.Deadline)),
	)
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, domainSep, structHash), nil
}

// word left-pads a non-negative integer to 32 bytes.
func word(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}
