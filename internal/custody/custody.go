// Package custody holds signing keys. The gate asks it to sign; it never
// hands key material out.
package custody

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrLocked     = errors.New("custody: account locked")
	ErrUnknownKey = errors.New("custody: unknown account")
	ErrInvalidKey = errors.New("custody: invalid private key")
)

// Signer signs transactions for accounts an operator has unlocked.
type Signer interface {
	IsUnlocked(addr common.Address) bool
	SignTx(ctx context.Context, addr common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Keystore signs with an encrypted go-ethereum keystore directory. Accounts
// are unlocked out of band with Unlock.
type Keystore struct {
	ks *keystore.KeyStore
}

// OpenKeystore opens (or creates) a keystore directory.
func OpenKeystore(dir string) *Keystore {
	return &Keystore{ks: keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)}
}

// Accounts lists the addresses held in the keystore.
func (k *Keystore) Accounts() []common.Address {
	accs := k.ks.Accounts()
	out := make([]common.Address, len(accs))
	for i, a := range accs {
		out[i] = a.Address
	}
	return out
}

// Unlock decrypts addr's key for d (zero keeps it unlocked until Lock).
func (k *Keystore) Unlock(addr common.Address, passphrase string, d time.Duration) error {
	if !k.ks.HasAddress(addr) {
		return fmt.Errorf("%w: %s", ErrUnknownKey, addr.Hex())
	}
	return k.ks.TimedUnlock(accounts.Account{Address: addr}, passphrase, d)
}

// Lock removes addr's decrypted key from memory.
func (k *Keystore) Lock(addr common.Address) error {
	return k.ks.Lock(addr)
}

// IsUnlocked probes the keystore by signing a zero hash; the keystore only
// answers when the key is decrypted.
func (k *Keystore) IsUnlocked(addr common.Address) bool {
	if !k.ks.HasAddress(addr) {
		return false
	}
	_, err := k.ks.SignHash(accounts.Account{Address: addr}, make([]byte, common.HashLength))
	return err == nil
}

func (k *Keystore) SignTx(ctx context.Context, addr common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	signed, err := k.ks.SignTx(accounts.Account{Address: addr}, tx, chainID)
	if errors.Is(err, keystore.ErrLocked) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, addr.Hex())
	}
	return signed, err
}

// Keyring keeps plaintext keys in memory for development and tests. Keys
// start locked.
type Keyring struct {
	mu       sync.RWMutex
	keys     map[common.Address]*ecdsa.PrivateKey
	unlocked map[common.Address]bool
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{
		keys:     make(map[common.Address]*ecdsa.PrivateKey),
		unlocked: make(map[common.Address]bool),
	}
}

// Import adds a hex-encoded private key and returns its address.
func (r *Keyring) Import(hexKey string) (common.Address, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return common.Address{}, ErrInvalidKey
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	r.mu.Lock()
	r.keys[addr] = key
	r.mu.Unlock()
	return addr, nil
}

// Generate adds a fresh random key and returns its address.
func (r *Keyring) Generate() (common.Address, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, err
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	r.mu.Lock()
	r.keys[addr] = key
	r.mu.Unlock()
	return addr, nil
}

// Unlock enables signing for addr.
func (r *Keyring) Unlock(addr common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[addr]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, addr.Hex())
	}
	r.unlocked[addr] = true
	return nil
}

// Lock disables signing for addr.
func (r *Keyring) Lock(addr common.Address) {
	r.mu.Lock()
	delete(r.unlocked, addr)
	r.mu.Unlock()
}

func (r *Keyring) IsUnlocked(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.unlocked[addr]
}

func (r *Keyring) SignTx(ctx context.Context, addr common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	key, ok := r.keys[addr]
	unlocked := r.unlocked[addr]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, addr.Hex())
	}
	if !unlocked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, addr.Hex())
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
}

var (
	_ Signer = (*Keystore)(nil)
	_ Signer = (*Keyring)(nil)
)
