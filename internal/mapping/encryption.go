package mapping

import (
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

// loadOrCreateIdentity reads the X25519 identity at keyPath, generating and
// persisting a new one (mode 0600) if it does not yet exist. Grounded on
// SPEC_FULL.md §4.1's supplement: "a local X25519 identity is generated on
// first use and persisted alongside the database".
func loadOrCreateIdentity(keyPath string) (*age.X25519Identity, error) {
	raw, err := os.ReadFile(keyPath)
	if err == nil {
		identity, err := age.ParseX25519Identity(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("parse existing identity file %s: %w", keyPath, err)
		}
		return identity, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file %s: %w", keyPath, err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(identity.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persist identity file %s: %w", keyPath, err)
	}
	return identity, nil
}

// decryptSidecarIfPresent decrypts <path>.age into path, overwriting any
// plaintext already there, when a sidecar exists. The plaintext sqlite file
// is what the rest of the package operates on; the sidecar only exists
// between process lifetimes.
func decryptSidecarIfPresent(path string, identity *age.X25519Identity) error {
	sidecar := path + ".age"
	encrypted, err := os.Open(sidecar)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open encrypted sidecar %s: %w", sidecar, err)
	}
	defer encrypted.Close()

	plainReader, err := age.Decrypt(encrypted, identity)
	if err != nil {
		return fmt.Errorf("decrypt sidecar %s: %w", sidecar, err)
	}

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open plaintext database %s: %w", path, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, plainReader); err != nil {
		return fmt.Errorf("write decrypted database %s: %w", path, err)
	}
	return os.Remove(sidecar)
}

// encryptSidecar encrypts the plaintext database file at path into
// <path>.age for recipient, then removes the plaintext copy so nothing
// sensitive is left on disk between runs.
func encryptSidecar(path string, recipient age.Recipient) error {
	plain, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open plaintext database %s: %w", path, err)
	}
	defer plain.Close()

	sidecar := path + ".age"
	out, err := os.OpenFile(sidecar, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create encrypted sidecar %s: %w", sidecar, err)
	}

	encWriter, err := age.Encrypt(out, recipient)
	if err != nil {
		out.Close()
		return fmt.Errorf("start encryption stream for %s: %w", sidecar, err)
	}
	if _, err := io.Copy(encWriter, plain); err != nil {
		out.Close()
		return fmt.Errorf("write encrypted database %s: %w", sidecar, err)
	}
	if err := encWriter.Close(); err != nil {
		out.Close()
		return fmt.Errorf("finalize encryption stream for %s: %w", sidecar, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close encrypted sidecar %s: %w", sidecar, err)
	}
	return os.Remove(path)
}
