package client

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Editor turns the current content of a file into its replacement
type Editor interface {
	Edit(ctx context.Context, fileName string, current []byte) ([]byte, error)
}

// EditorFunc adapts a function to Editor
type EditorFunc func(ctx context.Context, fileName string, current []byte) ([]byte, error)

// Edit calls f
func (f EditorFunc) Edit(ctx context.Context, fileName string, current []byte) ([]byte, error) {
	return f(ctx, fileName, current)
}

// ExternalEditor opens the content in an interactive editor process. Command defaults
// to $EDITOR, then vi.
type ExternalEditor struct {
	Command string
	TempDir string
}

// Edit writes current to a temp file, waits for the editor to exit and reads it back
func (e ExternalEditor) Edit(ctx context.Context, fileName string, current []byte) ([]byte, error) {
	command := e.Command
	if command == "" {
		command = os.Getenv("EDITOR")
	}
	if command == "" {
		command = "vi"
	}

	tmp, err := os.CreateTemp(e.TempDir, "pairfs-*-"+filepath.Base(fileName))
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	path := tmp.Name()
	defer os.Remove(path)

	if _, err := tmp.Write(current); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	fields := strings.Fields(command)
	if len(fields) == 0 {
		fields = []string{"vi"}
	}
	cmd := exec.CommandContext(ctx, fields[0], append(fields[1:], path)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("editor %s failed: %w", fields[0], err)
	}

	edited, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read edited file: %w", err)
	}
	return edited, nil
}
