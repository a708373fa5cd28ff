package communicator

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/quartermaster-dev/quartermaster/pkg/model"
)

// testKeys generates a throwaway Ed25519 pair in the stored-config shape:
// base64 public key blob plus PEM private key.
func testKeys(t *testing.T) (hostKey, privateKey string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(sshPub.Marshal()), string(pem.EncodeToMemory(block))
}

func testHost(t *testing.T, address string) *model.RemoteHost {
	t.Helper()
	hostKey, privateKey := testKeys(t)
	host := &model.RemoteHost{
		Address:      address,
		Communicator: Identifier,
		Type:         model.HostLinuxAMD64,
	}
	err := host.SetConfig(map[string]string{
		"username":         "qm",
		"host_key":         hostKey,
		"host_key_type":    "ssh-ed25519",
		"private_key":      privateKey,
		"private_key_type": "Ed25519",
	})
	if err != nil {
		t.Fatal(err)
	}
	return host
}

func TestNewSSH(t *testing.T) {
	s, err := NewSSH(testHost(t, "lab-host-1.example.com"), defaultTimeouts)
	if err != nil {
		t.Fatal(err)
	}
	if s.username != "qm" {
		t.Errorf("username = %q", s.username)
	}
	if s.hostKey.Type() != "ssh-ed25519" {
		t.Errorf("host key type = %q", s.hostKey.Type())
	}
}

func TestAddrDefaultsPort(t *testing.T) {
	s, err := NewSSH(testHost(t, "lab-host-1.example.com"), defaultTimeouts)
	if err != nil {
		t.Fatal(err)
	}
	if s.addr() != "lab-host-1.example.com:22" {
		t.Errorf("addr = %q", s.addr())
	}

	s, err = NewSSH(testHost(t, "lab-host-1.example.com:2222"), defaultTimeouts)
	if err != nil {
		t.Fatal(err)
	}
	if s.addr() != "lab-host-1.example.com:2222" {
		t.Errorf("explicit port addr = %q", s.addr())
	}
}

func TestNewSSHDeclaredTypeMismatch(t *testing.T) {
	host := testHost(t, "lab-host-1.example.com")
	config, _ := host.Config()
	config["host_key_type"] = "ssh-rsa"
	host.SetConfig(config) //nolint:errcheck

	_, err := NewSSH(host, defaultTimeouts)
	if err == nil || !strings.Contains(err.Error(), `"ssh-rsa" was declared`) {
		t.Errorf("expected declared-type mismatch, got %v", err)
	}
}

func TestNewSSHUnknownPrivateKeyType(t *testing.T) {
	host := testHost(t, "lab-host-1.example.com")
	config, _ := host.Config()
	config["private_key_type"] = "ROT13"
	host.SetConfig(config) //nolint:errcheck

	_, err := NewSSH(host, defaultTimeouts)
	if err == nil || !strings.Contains(err.Error(), "unable to handle key of type") {
		t.Errorf("expected key type error, got %v", err)
	}
}

func TestParseHostKeyBadBase64(t *testing.T) {
	if _, err := parseHostKey("not base64!!!", ""); err == nil {
		t.Error("expected a decode error")
	}
}

func TestParseHostKeyGarbageBlob(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("not a key"))
	if _, err := parseHostKey(encoded, ""); err == nil {
		t.Error("expected a parse error")
	}
}
