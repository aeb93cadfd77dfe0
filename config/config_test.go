// SPDX-FileCopyrightText: © 2024 the meshbus authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshbus.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
group_address = "239.1.1.1"
group_port = 9000
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "239.1.1.1", cfg.GroupAddress)
	require.Equal(t, 9000, cfg.GroupPort)
	require.Equal(t, Duration(time.Second), cfg.HeartbeatInterval)
	require.Equal(t, Duration(30*time.Second), cfg.NakDeadline)
	require.Equal(t, cfg.PeerIdleTimeout/4, cfg.GCInterval)
}

func TestLoadParsesDurationStrings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshbus.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
nak_initial_delay = "50ms"
nak_deadline = "10s"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, Duration(50*time.Millisecond), cfg.NakInitialDelay)
	require.Equal(t, Duration(10*time.Second), cfg.NakDeadline)
}

func TestCipherKeyPrefersHexOverFile(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "key.bin")
	require.NoError(t, os.WriteFile(keyFile, []byte("file-key"), 0o600))

	cfg := Config{CipherKeyHex: "3365"}
	key, err := cfg.CipherKey()
	require.NoError(t, err)
	require.Equal(t, []byte{0x33, 0x65}, key)

	cfg = Config{CipherKeyFile: keyFile}
	key, err = cfg.CipherKey()
	require.NoError(t, err)
	require.Equal(t, []byte("file-key"), key)

	cfg = Config{}
	key, err = cfg.CipherKey()
	require.NoError(t, err)
	require.Nil(t, key)
}

func TestCipherKeyRejectsInvalidHex(t *testing.T) {
	cfg := Config{CipherKeyHex: "not-hex"}
	_, err := cfg.CipherKey()
	require.Error(t, err)
}
