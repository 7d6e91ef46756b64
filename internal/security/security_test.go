package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyManagerGeneratesUsableKey(t *testing.T) {
	km, err := NewKeyManager()
	require.NoError(t, err)
	assert.Len(t, km.PrivKey().PubKey().Bytes(), 32)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	km, err := NewKeyManager()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "validator.pem")
	require.NoError(t, km.Save(path))

	loaded, err := LoadKeyManager(path)
	require.NoError(t, err)
	assert.Equal(t, km.PrivKey(), loaded.PrivKey())
}

func TestLoadKeyManagerRejectsWrongPEMType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.pem")
	require.NoError(t, os.WriteFile(path, []byte("-----BEGIN NOT A KEY-----\nAAAA\n-----END NOT A KEY-----\n"), 0o600))

	_, err := LoadKeyManager(path)
	assert.Error(t, err)
}

func TestGenerateCertIDIsUnique(t *testing.T) {
	a := GenerateCertID()
	b := GenerateCertID()
	assert.NotEqual(t, a, b)
}

func TestAuditLoggerDisabledDoesNotPanic(t *testing.T) {
	al := NewAuditLogger(false)
	al.LogSecurityEvent("bad_signature", "test")
	al.LogAccess("state/foo", "read", "anon")
}
