// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package evm

import (
	"fmt"
	"math/big"
	"sync"

	"crossdex.org/crossdex/chain"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// signer signs transactions for one account. The indirection lets tests sign
// with raw in-memory keys instead of an on-disk keystore.
type signer interface {
	address() common.Address
	signTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// signerRing holds the signing credentials for every address the gateway can
// spend from on one network. Credentials are loaded once at open; a request
// naming an address outside the ring is a client error, never a retry.
type signerRing struct {
	mtx     sync.RWMutex
	signers map[common.Address]signer
}

func newSignerRing() *signerRing {
	return &signerRing{signers: make(map[common.Address]signer)}
}

// add registers a signer, replacing any earlier signer for the same address.
func (r *signerRing) add(s signer) {
	r.mtx.Lock()
	r.signers[s.address()] = s
	r.mtx.Unlock()
}

// signerFor returns the signer for addr, or ErrInsufficientCredential.
func (r *signerRing) signerFor(addr common.Address) (signer, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	s, found := r.signers[addr]
	if !found {
		return nil, fmt.Errorf("%w: %s", chain.ErrInsufficientCredential, addr)
	}
	return s, nil
}

// addresses returns every address the ring can sign for.
func (r *signerRing) addresses() []common.Address {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	addrs := make([]common.Address, 0, len(r.signers))
	for addr := range r.signers {
		addrs = append(addrs, addr)
	}
	return addrs
}

// keyStoreSigner signs with an unlocked geth keystore account.
type keyStoreSigner struct {
	ks   *keystore.KeyStore
	acct accounts.Account
}

func (s *keyStoreSigner) address() common.Address {
	return s.acct.Address
}

func (s *keyStoreSigner) signTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return s.ks.SignTx(s.acct, tx, chainID)
}

// pathCredentials loads a signerRing from the keystore directory, unlocking
// every account with pw for the life of the process.
func pathCredentials(dir, pw string) (*signerRing, error) {
	ks := keystore.NewKeyStore(dir, keystore.LightScryptN, keystore.LightScryptP)
	accts := ks.Accounts()
	if len(accts) == 0 {
		return nil, fmt.Errorf("keystore at %q contains no accounts", dir)
	}
	ring := newSignerRing()
	for _, acct := range accts {
		if err := ks.Unlock(acct, pw); err != nil {
			return nil, fmt.Errorf("error unlocking account %s: %w", acct.Address, err)
		}
		ring.add(&keyStoreSigner{ks: ks, acct: acct})
	}
	return ring, nil
}
