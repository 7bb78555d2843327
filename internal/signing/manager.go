// Package signing manages the instance signing key used to make export
// packs tamper evident.
//
// The preferred mode is Ed25519 with the private key stored encrypted under
// the vault master key. When key generation is unavailable, or the operator
// forces it, packs are authenticated with HMAC-SHA256 under a key derived
// from the master key instead. Unusable state (corrupt, incomplete, or
// encrypted under a previous master key) is replaced silently; packs signed
// with the old key stop verifying on this instance.
package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/evidence"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/vault"
)

// Signing modes as written to state files and pack manifests.
const (
	ModeEd25519 = "ed25519"
	ModeHMAC    = "hmac"
)

// Verification schemes reported to callers.
const (
	SchemeAsymmetric = "asymmetric"
	SchemeSymmetric  = "symmetric"
	SchemeUnknown    = "unknown"
)

// StateFilename is the signing state file inside the state directory.
const StateFilename = "pack_signing_key.json"

// MACKeyLabel separates the HMAC key from other master-key derivations.
const MACKeyLabel = "dkpack-export-mac"

var (
	// ErrUnknownMode is returned for state files with an unrecognised mode.
	ErrUnknownMode = errors.New("unknown signing mode")
	// ErrIncompleteState is returned when an ed25519 state lacks key material.
	ErrIncompleteState = errors.New("incomplete signing key material")
)

// SchemeForMode maps a manifest mode to its verification scheme.
func SchemeForMode(mode string) string {
	switch mode {
	case ModeEd25519:
		return SchemeAsymmetric
	case ModeHMAC:
		return SchemeSymmetric
	default:
		return SchemeUnknown
	}
}

// state is the on-disk form. Field order matches sorted key order.
type state struct {
	CreatedAtUTC        string  `json:"created_at_utc"`
	EncryptedPrivateKey *string `json:"encrypted_private_key,omitempty"`
	Mode                string  `json:"mode"`
	PublicKeyB64        *string `json:"public_key_b64,omitempty"`
}

// Material signs and verifies pack manifests.
type Material struct {
	// Mode is ModeEd25519 or ModeHMAC.
	Mode string
	// PublicKeyB64 is the std-base64 raw Ed25519 public key; empty for HMAC.
	PublicKeyB64 string
	// CreatedAt is when the key was generated.
	CreatedAt time.Time

	private ed25519.PrivateKey
	public  ed25519.PublicKey
	macKey  []byte
}

// Scheme returns SchemeAsymmetric or SchemeSymmetric.
func (m *Material) Scheme() string {
	return SchemeForMode(m.Mode)
}

// Sign signs msg.
func (m *Material) Sign(msg []byte) ([]byte, error) {
	switch m.Mode {
	case ModeEd25519:
		return jwt.SigningMethodEdDSA.Sign(string(msg), m.private)
	case ModeHMAC:
		return jwt.SigningMethodHS256.Sign(string(msg), m.macKey)
	default:
		return nil, ErrUnknownMode
	}
}

// Verify reports whether sig is a valid signature of msg under this
// material.
func (m *Material) Verify(msg, sig []byte) bool {
	switch m.Mode {
	case ModeEd25519:
		return jwt.SigningMethodEdDSA.Verify(string(msg), sig, m.public) == nil
	case ModeHMAC:
		return jwt.SigningMethodHS256.Verify(string(msg), sig, m.macKey) == nil
	default:
		return false
	}
}

// Config configures a Manager.
type Config struct {
	// StateDir holds the state file. Created if missing.
	StateDir string
	// Cipher encrypts the private key and derives the HMAC key.
	Cipher *vault.Cipher
	// Locker guards state creation. Defaults to a FileLocker in StateDir.
	Locker Locker
	// ForceHMAC skips Ed25519 key generation.
	ForceHMAC bool
	// Rand is the key generation entropy source. Defaults to crypto/rand.
	Rand   io.Reader
	Logger *slog.Logger
	Now    func() time.Time
}

// Manager lazily creates, loads and rotates signing material.
type Manager struct {
	mu        sync.Mutex
	dir       string
	cipher    *vault.Cipher
	locker    Locker
	forceHMAC bool
	rand      io.Reader
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a Manager. Nothing is read or written until the first
// call to Material.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.Locker == nil {
		cfg.Locker = NewFileLocker(filepath.Join(cfg.StateDir, StateFilename+".lock"))
	}
	return &Manager{
		dir:       cfg.StateDir,
		cipher:    cfg.Cipher,
		locker:    cfg.Locker,
		forceHMAC: cfg.ForceHMAC,
		rand:      cfg.Rand,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// StatePath returns the state file location.
func (m *Manager) StatePath() string {
	return filepath.Join(m.dir, StateFilename)
}

// Material returns usable signing material, creating or rotating the state
// file when needed.
func (m *Manager) Material(ctx context.Context) (*Material, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mat, err := m.load()
	if err == nil {
		return mat, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		m.logger.WarnContext(ctx, "signing state unusable, rotating", "reason", err.Error())
	}

	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	unlock, err := m.locker.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Another process may have written usable state while we waited.
	if mat, err := m.load(); err == nil {
		return mat, nil
	}

	st, err := m.generate()
	if err != nil {
		return nil, err
	}
	if err := m.write(st); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "signing material created", "mode", st.Mode)
	return m.load()
}

func (m *Manager) load() (*Material, error) {
	data, err := os.ReadFile(m.StatePath())
	if err != nil {
		return nil, err
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("corrupt signing state: %w", err)
	}
	created, _ := time.Parse(evidence.TimeLayout, st.CreatedAtUTC)

	switch st.Mode {
	case ModeEd25519:
		if m.forceHMAC {
			return nil, fmt.Errorf("%w: state is %s but hmac is forced", ErrUnknownMode, st.Mode)
		}
		if st.PublicKeyB64 == nil || *st.PublicKeyB64 == "" || st.EncryptedPrivateKey == nil || *st.EncryptedPrivateKey == "" {
			return nil, ErrIncompleteState
		}
		pub, err := base64.StdEncoding.DecodeString(*st.PublicKeyB64)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, ErrIncompleteState
		}
		seedB64, err := m.cipher.Decrypt(*st.EncryptedPrivateKey)
		if err != nil {
			return nil, err
		}
		seed, err := base64.StdEncoding.DecodeString(seedB64)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, ErrIncompleteState
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return &Material{
			Mode:         ModeEd25519,
			PublicKeyB64: *st.PublicKeyB64,
			CreatedAt:    created,
			private:      priv,
			public:       ed25519.PublicKey(pub),
		}, nil
	case ModeHMAC:
		key, err := m.cipher.DeriveKey(MACKeyLabel)
		if err != nil {
			return nil, err
		}
		return &Material{Mode: ModeHMAC, CreatedAt: created, macKey: key}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, st.Mode)
	}
}

func (m *Manager) generate() (*state, error) {
	st := &state{CreatedAtUTC: evidence.FormatTime(m.now()), Mode: ModeHMAC}
	if m.forceHMAC {
		return st, nil
	}
	pub, priv, err := ed25519.GenerateKey(m.rand)
	if err != nil {
		m.logger.Warn("ed25519 key generation failed, using hmac", "error", err)
		return st, nil
	}
	enc, err := m.cipher.Encrypt(base64.StdEncoding.EncodeToString(priv.Seed()))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt signing key: %w", err)
	}
	pubB64 := base64.StdEncoding.EncodeToString(pub)
	st.Mode = ModeEd25519
	st.PublicKeyB64 = &pubB64
	st.EncryptedPrivateKey = &enc
	return st, nil
}

// write replaces the state file atomically with owner-only permissions.
func (m *Manager) write(st *state) error {
	data, err := evidence.MarshalIndent(st)
	if err != nil {
		return fmt.Errorf("failed to encode signing state: %w", err)
	}
	tmp, err := os.CreateTemp(m.dir, StateFilename+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create signing state: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write signing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write signing state: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("failed to restrict signing state: %w", err)
	}
	if err := os.Rename(tmpName, m.StatePath()); err != nil {
		return fmt.Errorf("failed to install signing state: %w", err)
	}
	return nil
}
