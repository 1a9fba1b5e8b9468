package interaction

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tokens "oidcgw/internal/security/token"
)

func TestLoadTextsDefaults(t *testing.T) {
	texts, err := LoadTexts("", "")
	require.NoError(t, err)

	assert.Equal(t, defaultToSText, texts.ToS)
	assert.Equal(t, defaultApprovalText, texts.Approval)
	assert.Equal(t, tokens.SHA256Hex(defaultToSText), texts.ToSFingerprint)
	assert.Equal(t, tokens.SHA256Hex(defaultApprovalText), texts.ApprovalFingerprint)
}

func TestLoadTextsFingerprintTracksFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tos.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1 terms"), 0o600))

	first, err := LoadTexts(path, "")
	require.NoError(t, err)
	assert.Equal(t, "v1 terms", first.ToS)

	require.NoError(t, os.WriteFile(path, []byte("v2 terms"), 0o600))
	second, err := LoadTexts(path, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ToSFingerprint, second.ToSFingerprint)
}

func TestLoadTextsMissingFile(t *testing.T) {
	_, err := LoadTexts(filepath.Join(t.TempDir(), "absent.txt"), "")
	assert.Error(t, err)
}
