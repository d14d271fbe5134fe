package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// GenerateEd25519Keypair creates an ed25519 keypair, writes the private key in
// OpenSSH format and returns the public key in authorized_keys format.
func GenerateEd25519Keypair(privateKeyPath string) (publicAuthorized string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	block, err := xssh.MarshalPrivateKey(priv, "botfleet")
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(privateKeyPath), 0700); err != nil {
		return "", fmt.Errorf("mkdir key dir: %w", err)
	}
	if err := os.WriteFile(privateKeyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}
	sshPub, err := xssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("public key: %w", err)
	}
	return string(xssh.MarshalAuthorizedKey(sshPub)), nil
}

// LoadPrivateKeySigner reads an OpenSSH/PEM private key file and returns an ssh.Signer.
func LoadPrivateKeySigner(privateKeyPath string) (xssh.Signer, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	// Try to parse as OpenSSH/PEM without passphrase
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// AuthMethods resolves how to authenticate: an explicit key file, otherwise
// the running ssh-agent, otherwise the usual keys under ~/.ssh.
func AuthMethods(keyPath string) ([]xssh.AuthMethod, error) {
	if keyPath != "" {
		signer, err := LoadPrivateKeySigner(keyPath)
		if err != nil {
			return nil, err
		}
		return []xssh.AuthMethod{xssh.PublicKeys(signer)}, nil
	}
	var methods []xssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err == nil {
			methods = append(methods, xssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			log.Debug().Err(err).Msg("ssh-agent unavailable")
		}
	}
	home, _ := os.UserHomeDir()
	var signers []xssh.Signer
	for _, name := range defaultKeyNames {
		s, err := LoadPrivateKeySigner(filepath.Join(home, ".ssh", name))
		if err == nil {
			signers = append(signers, s)
		}
	}
	if len(signers) > 0 {
		methods = append(methods, xssh.PublicKeys(signers...))
	}
	if len(methods) == 0 {
		return nil, errors.New("no ssh credentials: set ssh.key_path or start ssh-agent")
	}
	return methods, nil
}

// MarshalAuthorized renders the signer's public key as an authorized_keys line.
func MarshalAuthorized(signer xssh.Signer) []byte {
	return xssh.MarshalAuthorizedKey(signer.PublicKey())
}
