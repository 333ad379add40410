package provider

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
)

// URLOpener hands an authorization URL to the user's browser. The opener
// must not block on the user completing authorization; it only starts the
// navigation.
type URLOpener interface {
	OpenURL(ctx context.Context, url string) error
}

// SystemBrowser opens URLs in the default web browser of the host platform.
// It supports Linux, macOS, and Windows.
type SystemBrowser struct{}

// OpenURL opens the specified URL in the default web browser.
func (SystemBrowser) OpenURL(ctx context.Context, url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "linux":
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "cmd", "/c", "start", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	// Start the command but don't wait for it to complete.
	// The browser opens in the background.
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}

	return nil
}
