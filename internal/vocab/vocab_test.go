// Copyright 2026 The cropdisease Authors. SPDX-License-Identifier: Apache-2.0

package vocab

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverSortsSubdirectories(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"Tomato___healthy", "Apple___scab", "Corn___rust", ".hidden"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o755))
	}
	// Regular files are not classes.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("x"), 0o644))

	v, err := Discover(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"Apple___scab", "Corn___rust", "Tomato___healthy"}, v.Names())
	assert.Equal(t, "Corn___rust", v.Name(1))
}

func TestDiscoverEmpty(t *testing.T) {
	_, err := Discover(t.TempDir())
	require.Error(t, err)
}

func TestWriteReadRoundTrip(t *testing.T) {
	v, err := New([]string{"b_class", "a_class", "Pepper,_bell___Bacterial_spot"})
	require.NoError(t, err)
	filePath := filepath.Join(t.TempDir(), "saved_models", "class_names.txt")
	require.NoError(t, v.Write(filePath))

	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "b_class\na_class\nPepper,_bell___Bacterial_spot\n", string(contents))

	loaded, err := Read(filePath)
	require.NoError(t, err)
	assert.True(t, v.Equal(loaded))
	assert.Equal(t, v.Hash(), loaded.Hash())
}

func TestParse(t *testing.T) {
	v, err := Parse([]byte("a\r\nb"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, v.Names())

	_, err = Parse([]byte("a\n\nb\n"))
	require.Error(t, err)
	_, err = Parse([]byte("a\nb\na\n"))
	require.ErrorContains(t, err, "duplicate")
	_, err = Parse(nil)
	require.Error(t, err)
}
