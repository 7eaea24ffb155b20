package service

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// Keyring is the in-process key custody: a single BIP39 mnemonic, BIP44
// derivation m/44'/60'/0'/0/i. Child 0 is the master wallet; temp wallets
// take the following indexes. Only derivation paths leave this type —
// private key material is resolved on demand and never persisted.
type Keyring struct {
	change *hdkeychain.ExtendedKey
}

func NewKeyring(mnemonic string) (*Keyring, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("%w: invalid mnemonic", ErrAddressGeneration)
	}
	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAddressGeneration, err)
	}
	change := master
	for _, step := range []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + 60,
		hdkeychain.HardenedKeyStart + 0,
		0,
	} {
		if change, err = change.Derive(step); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAddressGeneration, err)
		}
	}
	return &Keyring{change: change}, nil
}

// NewRandomKeyring generates a fresh mnemonic. Used for development and
// tests; production custody loads the mnemonic from configuration.
func NewRandomKeyring() (*Keyring, string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrAddressGeneration, err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrAddressGeneration, err)
	}
	k, err := NewKeyring(mnemonic)
	if err != nil {
		return nil, "", err
	}
	return k, mnemonic, nil
}

// Derive returns the address and derivation path for child index.
func (k *Keyring) Derive(index uint32) (address string, path string, err error) {
	child, err := k.change.Derive(index)
	if err != nil {
		return "", "", fmt.Errorf("%w: derive %d: %v", ErrAddressGeneration, index, err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrAddressGeneration, err)
	}
	ecdsaPub, err := crypto.DecompressPubkey(pub.SerializeCompressed())
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrAddressGeneration, err)
	}
	return crypto.PubkeyToAddress(*ecdsaPub).Hex(), fmt.Sprintf("m/44'/60'/0'/0/%d", index), nil
}

// PrivateKey resolves the signing key for a derivation path issued by Derive.
func (k *Keyring) PrivateKey(path string) (*ecdsa.PrivateKey, error) {
	parts := strings.Split(path, "/")
	idx, err := strconv.ParseUint(parts[len(parts)-1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad derivation path %q", ErrAddressGeneration, path)
	}
	child, err := k.change.Derive(uint32(idx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAddressGeneration, err)
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAddressGeneration, err)
	}
	key, err := crypto.ToECDSA(priv.Serialize())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAddressGeneration, err)
	}
	return key, nil
}

// MasterAddress is the platform-custodied address holding escrowed funds.
func (k *Keyring) MasterAddress() (string, error) {
	addr, _, err := k.Derive(0)
	return addr, err
}

// MasterKey signs outbound payouts from the master wallet.
func (k *Keyring) MasterKey() (*ecdsa.PrivateKey, error) {
	return k.PrivateKey("m/44'/60'/0'/0/0")
}
