package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExternalEditor_RunsCommand(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "append.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nprintf ' world' >> \"$1\"\n"), 0o755))

	e := ExternalEditor{Command: script, TempDir: dir}
	out, err := e.Edit(context.Background(), "notes.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(out))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestExternalEditor_FailingCommand(t *testing.T) {
	e := ExternalEditor{Command: "false", TempDir: t.TempDir()}
	_, err := e.Edit(context.Background(), "notes.txt", []byte("hello"))
	assert.Error(t, err)
}

func TestEditorFunc(t *testing.T) {
	var e Editor = EditorFunc(func(ctx context.Context, name string, cur []byte) ([]byte, error) {
		return append(cur, '!'), nil
	})
	out, err := e.Edit(context.Background(), "x", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi!", string(out))
}
