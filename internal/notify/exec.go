package notify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// ExecBackend shows notifications through notify-send on Linux and
// osascript on macOS.
type ExecBackend struct {
	AppName string

	goos     string
	lookPath func(string) (string, error)
	command  func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func NewExecBackend(appName string) *ExecBackend {
	return &ExecBackend{
		AppName:  appName,
		goos:     runtime.GOOS,
		lookPath: exec.LookPath,
		command:  exec.CommandContext,
	}
}

var errUnsupported = errors.New("desktop notifications unsupported on this platform")

// RequestPermission grants when the platform helper is on PATH.
func (b *ExecBackend) RequestPermission(ctx context.Context) (bool, error) {
	name, _, err := b.invocation("", "")
	if err != nil {
		return false, err
	}
	if _, err := b.lookPath(name); err != nil {
		return false, nil
	}
	return true, nil
}

func (b *ExecBackend) Show(ctx context.Context, title, body string) error {
	name, args, err := b.invocation(title, body)
	if err != nil {
		return err
	}
	if output, err := b.command(ctx, name, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("%s failed (output: %s): %w", name, strings.TrimSpace(string(output)), err)
	}
	return nil
}

func (b *ExecBackend) invocation(title, body string) (string, []string, error) {
	switch b.goos {
	case "linux", "freebsd", "openbsd":
		args := []string{}
		if b.AppName != "" {
			args = append(args, "--app-name="+b.AppName)
		}
		return "notify-send", append(args, "--", title, body), nil
	case "darwin":
		script := fmt.Sprintf(`display notification "%s" with title "%s"`, escapeAppleScript(body), escapeAppleScript(title))
		return "osascript", []string{"-e", script}, nil
	}
	return "", nil, fmt.Errorf("%w: %s", errUnsupported, b.goos)
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return s
}
