package util

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "out.txt")
	require.NoError(t, WriteToFile(path, "one", "two"))
	require.NoError(t, AppendToFile(path, "three"))

	bs, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\n", string(bs))

	require.NoError(t, WriteToFile(path, "fresh"))
	bs, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", string(bs))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ckpt", "model.bin")
	require.NoError(t, WriteFileAtomic(path, func(f *os.File) error {
		_, err := f.WriteString("v1")
		return err
	}))

	// a failed write leaves the previous content and no temp files behind
	err := WriteFileAtomic(path, func(f *os.File) error {
		f.WriteString("partial")
		return errors.New("boom")
	})
	assert.EqualError(t, err, "boom")

	bs, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(bs))
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
