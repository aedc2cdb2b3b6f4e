package account

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// HashFunc is the hash function used to derive copayer IDs from request
// public keys.
var HashFunc = blake256.Sum256

const (
	// HashSize is the size of a CopayerID.
	HashSize = blake256.Size

	// PubKeySize is the length of a serialized compressed secp256k1 public
	// key.
	PubKeySize = 33
)

// CopayerID is the unique identifier of a copayer, derived deterministically
// from the copayer's first registered request public key.
type CopayerID [HashSize]byte

// NewCopayerID generates a unique copayer id from the provided public key
// bytes.
func NewCopayerID(pk []byte) CopayerID {
	// Hash the pubkey hash.
	h := HashFunc(pk)
	return HashFunc(h[:])
}

// String returns a hexadecimal representation of the CopayerID. String
// implements fmt.Stringer.
func (cid CopayerID) String() string {
	return hex.EncodeToString(cid[:])
}

// Value implements the sql/driver.Valuer interface.
func (cid CopayerID) Value() (driver.Value, error) {
	return cid[:], nil // []byte
}

// Scan implements the sql.Scanner interface.
func (cid *CopayerID) Scan(src any) error {
	switch src := src.(type) {
	case []byte:
		copy(cid[:], src)
		return nil
	}
	return fmt.Errorf("cannot convert %T to CopayerID", src)
}

// Copayer is one key-holding participant in an m-of-n wallet. A copayer may
// register more than one request public key to support key rotation; the ID
// is always derived from the first registered key.
type Copayer struct {
	ID          CopayerID
	Name        string
	RequestKeys []*secp256k1.PublicKey
	CreatedOn   time.Time
}

// NewCopayer creates a Copayer from the provided serialized compressed
// public keys. At least one key is required.
func NewCopayer(name string, pubKeys ...[]byte) (*Copayer, error) {
	if len(pubKeys) == 0 {
		return nil, fmt.Errorf("no request public key provided")
	}
	keys := make([]*secp256k1.PublicKey, 0, len(pubKeys))
	for _, pk := range pubKeys {
		if len(pk) != PubKeySize {
			return nil, fmt.Errorf("invalid pubkey length, expected %d, got %d",
				PubKeySize, len(pk))
		}
		pubKey, err := secp256k1.ParsePubKey(pk)
		if err != nil {
			return nil, err
		}
		keys = append(keys, pubKey)
	}
	return &Copayer{
		ID:          NewCopayerID(pubKeys[0]),
		Name:        name,
		RequestKeys: keys,
	}, nil
}

// RotateKey registers an additional request public key for the copayer. The
// copayer's ID is unaffected.
func (c *Copayer) RotateKey(pk []byte) error {
	if len(pk) != PubKeySize {
		return fmt.Errorf("invalid pubkey length, expected %d, got %d",
			PubKeySize, len(pk))
	}
	pubKey, err := secp256k1.ParsePubKey(pk)
	if err != nil {
		return err
	}
	c.RequestKeys = append(c.RequestKeys, pubKey)
	return nil
}

// Verify checks that sig is a valid DER signature over the blake256 hash of
// msg by any of the copayer's registered request keys.
func (c *Copayer) Verify(msg, sig []byte) error {
	hash := HashFunc(msg)
	for _, pubKey := range c.RequestKeys {
		if err := CheckSigS256(hash[:], sig, pubKey); err == nil {
			return nil
		}
	}
	return fmt.Errorf("signature does not verify against any registered request key")
}

// CheckSigS256 checks that the hash's signature was created with the private
// key for the provided secp256k1 public key.
func CheckSigS256(hash, sig []byte, pubKey *secp256k1.PublicKey) error {
	signature, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return fmt.Errorf("error decoding secp256k1 Signature from bytes: %w", err)
	}
	if !signature.Verify(hash, pubKey) {
		return fmt.Errorf("secp256k1 signature verification failed")
	}
	return nil
}

// WalletStatus describes a wallet's completion status.
type WalletStatus uint8

const (
	// WalletPending is a wallet still waiting for copayers to join.
	WalletPending WalletStatus = iota
	// WalletComplete is a wallet with all n copayers joined. A complete
	// wallet is immutable except for derived-address bookkeeping.
	WalletComplete
)

// String satisfies fmt.Stringer.
func (ws WalletStatus) String() string {
	switch ws {
	case WalletPending:
		return "pending"
	case WalletComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Wallet is a shared m-of-n wallet. A spend proposal requires m accepting
// copayers out of the n that joined.
type Wallet struct {
	ID        string
	M         uint32
	N         uint32
	Chain     string
	Network   string
	Copayers  []*Copayer
	CreatedOn time.Time
}

// Status returns WalletComplete once all n copayers have joined.
func (w *Wallet) Status() WalletStatus {
	if uint32(len(w.Copayers)) >= w.N {
		return WalletComplete
	}
	return WalletPending
}

// Copayer returns the wallet's copayer with the given id, or nil if the id
// does not belong to this wallet.
func (w *Wallet) Copayer(id CopayerID) *Copayer {
	for _, c := range w.Copayers {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// RequiredSignatures is the number of accept actions needed to authorize a
// spend.
func (w *Wallet) RequiredSignatures() uint32 {
	return w.M
}

// RequiredRejections is the number of reject actions that makes a quorum of
// accepts impossible, n - m + 1.
func (w *Wallet) RequiredRejections() uint32 {
	return w.N - w.M + 1
}
