package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Install registers pm3link emulate as a system service.
type Install struct {
	Args []string `arg:"" optional:"" passthrough:"" help:"Extra arguments for the emulate command run by the service"`
}

// Run is called by Kong when the install command is executed.
func (i *Install) Run(logger *slog.Logger) error {
	return install(logger, i.Args)
}

// Uninstall removes the service created by install.
type Uninstall struct{}

// Run is called by Kong when the uninstall command is executed.
func (u *Uninstall) Run(logger *slog.Logger) error {
	return uninstall(logger)
}

func currentExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return exe, nil
}
