// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAtomicWriteFile_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "deep", "test.txt")

	require.NoError(t, AtomicWriteFile(path, []byte("test data"), 0600))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "test data", string(content))
}

func TestAtomicWriteFile_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	for i := 0; i < 5; i++ {
		require.NoError(t, AtomicWriteFile(path, []byte("x"), 0600))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestAtomicWriteJSON_RoundTrip(t *testing.T) {
	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	path := filepath.Join(t.TempDir(), "record.json")

	require.NoError(t, AtomicWriteJSON(path, record{Name: "alpha", Count: 3}, 0600))

	var got record
	found, err := ReadJSON(path, &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, record{Name: "alpha", Count: 3}, got)
}

func TestReadJSON_Missing(t *testing.T) {
	var v map[string]string
	found, err := ReadJSON(filepath.Join(t.TempDir(), "nope.json"), &v)
	require.NoError(t, err)
	require.False(t, found)
}

func TestReadJSON_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	var v map[string]string
	found, err := ReadJSON(path, &v)
	require.Error(t, err)
	require.True(t, found)
}

func TestTruncateRunes(t *testing.T) {
	require.Equal(t, "hello", TruncateRunes("hello", 10))
	require.Equal(t, "hello w...", TruncateRunes("hello world!", 10))
	require.Equal(t, "héé", TruncateRunes("héééé", 3))
	require.Equal(t, "", TruncateRunes("abc", 0))
}
