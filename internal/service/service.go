// Package service installs the node as an OS-managed background service.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"nodie/internal/execx"
)

const (
	UnitName    = "nodie.service"
	LaunchLabel = "host.nodie.node"
	TaskName    = "NodieNode"
)

// ErrUnsupported is returned on platforms without a known service manager.
var ErrUnsupported = errors.New("service install is not supported on this platform")

// Installer writes and registers service definitions. Root prefixes every
// system path so tests can install into a temp dir.
type Installer struct {
	GOOS      string
	Exe       string
	User      string
	Home      string
	LogDir    string
	UserLevel bool
	Root      string
	Runner    execx.Runner
}

// Result describes an installed service.
type Result struct {
	Path  string
	Hints []string
}

var systemdUnit = template.Must(template.New("unit").Parse(`[Unit]
Description=Nodie Node - Decentralized Network Node
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
{{- if .User}}
User={{.User}}
{{- end}}
ExecStart={{.Exe}} start --foreground
Restart=always
RestartSec=10

[Install]
WantedBy={{.WantedBy}}
`))

var launchdPlist = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exe}}</string>
        <string>start</string>
        <string>--foreground</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogDir}}/nodie.stdout.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogDir}}/nodie.stderr.log</string>
</dict>
</plist>
`))

// Install writes the service definition for GOOS and registers it.
func (i Installer) Install(ctx context.Context) (Result, error) {
	switch i.GOOS {
	case "linux":
		return i.installSystemd(ctx)
	case "darwin":
		return i.installLaunchd()
	case "windows":
		return i.installTask(ctx)
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupported, i.GOOS)
	}
}

// Uninstall stops and removes the service. Missing definitions are ignored.
func (i Installer) Uninstall(ctx context.Context) error {
	switch i.GOOS {
	case "linux":
		args := i.systemctlArgs()
		_ = i.Runner.Run(ctx, "systemctl", append(args, "stop", "nodie")...)
		_ = i.Runner.Run(ctx, "systemctl", append(args, "disable", "nodie")...)
		if err := removeIfExists(i.unitPath()); err != nil {
			return err
		}
		return i.Runner.Run(ctx, "systemctl", append(args, "daemon-reload")...)
	case "darwin":
		for _, dir := range []string{i.path(i.Home, "Library", "LaunchAgents"), i.path("/Library", "LaunchDaemons")} {
			plist := filepath.Join(dir, LaunchLabel+".plist")
			if _, err := os.Stat(plist); err != nil {
				continue
			}
			_ = i.Runner.Run(ctx, "launchctl", "unload", plist)
			if err := removeIfExists(plist); err != nil {
				return err
			}
		}
		return nil
	case "windows":
		return i.Runner.Run(ctx, "schtasks", "/delete", "/tn", TaskName, "/f")
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, i.GOOS)
	}
}

func (i Installer) installSystemd(ctx context.Context) (Result, error) {
	data := struct {
		Exe, User, WantedBy string
	}{Exe: i.Exe, User: i.User, WantedBy: "multi-user.target"}
	if i.UserLevel {
		data.User = ""
		data.WantedBy = "default.target"
	}

	path := i.unitPath()
	if err := render(path, systemdUnit, data); err != nil {
		return Result{}, err
	}
	args := i.systemctlArgs()
	if err := i.Runner.Run(ctx, "systemctl", append(args, "daemon-reload")...); err != nil {
		return Result{}, err
	}

	prefix := "sudo systemctl"
	if i.UserLevel {
		prefix = "systemctl --user"
	}
	return Result{Path: path, Hints: []string{
		prefix + " enable nodie",
		prefix + " start nodie",
	}}, nil
}

func (i Installer) installLaunchd() (Result, error) {
	dir := i.path("/Library", "LaunchDaemons")
	if i.UserLevel {
		dir = i.path(i.Home, "Library", "LaunchAgents")
	}
	logDir := i.LogDir
	if logDir == "" {
		logDir = os.TempDir()
	}

	path := filepath.Join(dir, LaunchLabel+".plist")
	data := struct{ Label, Exe, LogDir string }{LaunchLabel, i.Exe, logDir}
	if err := render(path, launchdPlist, data); err != nil {
		return Result{}, err
	}
	return Result{Path: path, Hints: []string{"launchctl load " + path}}, nil
}

func (i Installer) installTask(ctx context.Context) (Result, error) {
	err := i.Runner.Run(ctx, "schtasks", "/create",
		"/tn", TaskName,
		"/tr", `"`+i.Exe+`" start --foreground`,
		"/sc", "onlogon",
		"/rl", "limited",
		"/f")
	if err != nil {
		return Result{}, err
	}
	return Result{Path: TaskName, Hints: []string{"schtasks /run /tn " + TaskName}}, nil
}

func (i Installer) unitPath() string {
	if i.UserLevel {
		return i.path(i.Home, ".config", "systemd", "user", UnitName)
	}
	return i.path("/etc", "systemd", "system", UnitName)
}

func (i Installer) systemctlArgs() []string {
	if i.UserLevel {
		return []string{"--user"}
	}
	return nil
}

func (i Installer) path(elem ...string) string {
	return filepath.Join(append([]string{i.Root}, elem...)...)
}

func render(path string, tmpl *template.Template, data any) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("write %s: permission denied (run with sudo or use --user)", path)
		}
		return err
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
