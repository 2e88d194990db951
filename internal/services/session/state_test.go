package session

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/certlab/ecmlink/internal/common"
	"github.com/certlab/ecmlink/internal/ecmerr"
)

func TestSaveAndLoadState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_states", "shared.json")

	state := &State{
		Cookies: []Cookie{
			{Name: "JSESSIONID", Value: "abc123", Domain: "ecm.example.com", Path: "/", HTTPOnly: true, Secure: true},
		},
		Origins: []Origin{
			{Origin: "https://ecm.example.com", LocalStorage: []StorageItem{{Name: "token", Value: "xyz"}}},
		},
		SavedAt: time.Now().Truncate(time.Second),
	}

	require.NoError(t, SaveState(path, state))

	got, err := LoadState(path)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Cookies, 1)
	assert.Equal(t, "JSESSIONID", got.Cookies[0].Name)
	require.Len(t, got.Origins, 1)
	assert.Equal(t, "https://ecm.example.com", got.Origins[0].Origin)
}

func TestLoadState_MissingFile(t *testing.T) {
	got, err := LoadState(filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveState_FileMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}

	path := filepath.Join(t.TempDir(), "shared.json")
	require.NoError(t, SaveState(path, &State{SavedAt: time.Now()}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestSaveState_ReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.json")

	require.NoError(t, SaveState(path, &State{Cookies: []Cookie{{Name: "old"}}}))
	require.NoError(t, SaveState(path, &State{Cookies: []Cookie{{Name: "new"}}}))

	got, err := LoadState(path)
	require.NoError(t, err)
	require.Len(t, got.Cookies, 1)
	assert.Equal(t, "new", got.Cookies[0].Name)
}

func TestManager_BootstrapWithoutCredentials(t *testing.T) {
	m, err := NewManager(
		&common.PortalConfig{BaseURL: "https://ecm.example.com"},
		&common.SessionConfig{UserKey: "shared", StateDir: t.TempDir()},
		arbor.NewLogger(),
	)
	require.NoError(t, err)

	err = m.Bootstrap(context.Background())
	assert.True(t, ecmerr.Is(err, ecmerr.AuthRequired))
}

func TestManager_ApplyWithoutState(t *testing.T) {
	m, err := NewManager(
		&common.PortalConfig{BaseURL: "https://ecm.example.com"},
		&common.SessionConfig{UserKey: "shared", StateDir: t.TempDir()},
		arbor.NewLogger(),
	)
	require.NoError(t, err)

	err = m.Apply(context.Background())
	assert.True(t, ecmerr.Is(err, ecmerr.AuthRequired))
}

func TestOriginOf(t *testing.T) {
	cases := map[string]string{
		"https://ecm.example.com/portal/index.do?x=1": "https://ecm.example.com",
		"https://ecm.example.com:8443/login":          "https://ecm.example.com:8443",
		"https://ecm.example.com":                     "https://ecm.example.com",
	}
	for in, want := range cases {
		assert.Equal(t, want, originOf(in))
	}
}
