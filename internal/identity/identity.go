package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const (
	privFile = "host.key"
	pubFile  = "host.pub"
)

// Identity is the daemon's persistent ED25519 host key, presented by the
// operator console so clients can pin it across restarts.
type Identity struct {
	PrivateKey  ed25519.PrivateKey
	PublicKey   ed25519.PublicKey
	Fingerprint string // SHA256:... as printed by ssh-keygen -l
	Signer      ssh.Signer
}

// Load reads the host key from dir, generating and persisting a new one
// on first use.
func Load(dir string) (*Identity, error) {
	privPath := filepath.Join(dir, privFile)

	privPEM, err := os.ReadFile(privPath)
	if errors.Is(err, fs.ErrNotExist) {
		return generate(dir)
	}
	if err != nil {
		return nil, fmt.Errorf("reading host key: %w", err)
	}
	return parse(privPEM)
}

func generate(dir string) (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating host key: %w", err)
	}
	id, err := fromPrivateKey(priv)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating host key dir: %w", err)
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshaling host key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
	if err := os.WriteFile(filepath.Join(dir, privFile), privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("writing host key: %w", err)
	}

	// The .pub file is for operators adding the key to known_hosts.
	pubLine := ssh.MarshalAuthorizedKey(id.Signer.PublicKey())
	if err := os.WriteFile(filepath.Join(dir, pubFile), pubLine, 0o644); err != nil {
		return nil, fmt.Errorf("writing host public key: %w", err)
	}
	return id, nil
}

func parse(privPEM []byte) (*Identity, error) {
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, errors.New("no PEM block in host key")
	}
	raw, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing host key: %w", err)
	}
	priv, ok := raw.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("host key is %T, not ED25519", raw)
	}
	return fromPrivateKey(priv)
}

func fromPrivateKey(priv ed25519.PrivateKey) (*Identity, error) {
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("creating SSH signer: %w", err)
	}
	return &Identity{
		PrivateKey:  priv,
		PublicKey:   priv.Public().(ed25519.PublicKey),
		Fingerprint: ssh.FingerprintSHA256(signer.PublicKey()),
		Signer:      signer,
	}, nil
}
