package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type recordRunner struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordRunner) Run(ctx context.Context, name string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	return nil
}

func (r *recordRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	return "", r.Run(ctx, name, args...)
}

func TestInstall_SystemdSystem(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	rr := &recordRunner{}
	inst := Installer{GOOS: "linux", Exe: "/usr/local/bin/nodie", User: "alice", Root: root, Runner: rr}

	res, err := inst.Install(context.Background())
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if res.Path != filepath.Join(root, "etc", "systemd", "system", UnitName) {
		t.Fatalf("path=%q", res.Path)
	}
	data, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	unit := string(data)
	for _, want := range []string{"ExecStart=/usr/local/bin/nodie start --foreground", "User=alice", "WantedBy=multi-user.target", "Restart=always"} {
		if !strings.Contains(unit, want) {
			t.Fatalf("unit missing %q:\n%s", want, unit)
		}
	}
	if len(rr.calls) != 1 || rr.calls[0] != "systemctl daemon-reload" {
		t.Fatalf("calls=%v", rr.calls)
	}
}

func TestInstall_SystemdUser(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	rr := &recordRunner{}
	inst := Installer{GOOS: "linux", Exe: "nodie", User: "alice", Home: "/home/alice", UserLevel: true, Root: root, Runner: rr}

	res, err := inst.Install(context.Background())
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	data, _ := os.ReadFile(res.Path)
	if strings.Contains(string(data), "User=") {
		t.Fatalf("user unit must not set User=:\n%s", data)
	}
	if rr.calls[0] != "systemctl --user daemon-reload" {
		t.Fatalf("calls=%v", rr.calls)
	}

	if err := inst.Uninstall(context.Background()); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if _, err := os.Stat(res.Path); !os.IsNotExist(err) {
		t.Fatalf("unit not removed")
	}
	want := []string{"systemctl --user daemon-reload", "systemctl --user stop nodie", "systemctl --user disable nodie", "systemctl --user daemon-reload"}
	if strings.Join(rr.calls, "|") != strings.Join(want, "|") {
		t.Fatalf("calls=%v", rr.calls)
	}
}

func TestInstall_LaunchdUser(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	rr := &recordRunner{}
	inst := Installer{GOOS: "darwin", Exe: "/opt/nodie", Home: "/Users/bob", UserLevel: true, LogDir: "/Users/bob/.nodie/logs", Root: root, Runner: rr}

	res, err := inst.Install(context.Background())
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !strings.HasSuffix(res.Path, filepath.Join("Users", "bob", "Library", "LaunchAgents", LaunchLabel+".plist")) {
		t.Fatalf("path=%q", res.Path)
	}
	data, _ := os.ReadFile(res.Path)
	if !strings.Contains(string(data), "<string>/opt/nodie</string>") || !strings.Contains(string(data), "/Users/bob/.nodie/logs/nodie.stdout.log") {
		t.Fatalf("plist:\n%s", data)
	}

	if err := inst.Uninstall(context.Background()); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if len(rr.calls) != 1 || !strings.HasPrefix(rr.calls[0], "launchctl unload ") {
		t.Fatalf("calls=%v", rr.calls)
	}
}

func TestInstall_WindowsTask(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{}
	inst := Installer{GOOS: "windows", Exe: `C:\nodie\nodie.exe`, Runner: rr}
	if _, err := inst.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	want := `schtasks /create /tn NodieNode /tr "C:\nodie\nodie.exe" start --foreground /sc onlogon`
	if !strings.HasPrefix(rr.calls[0], want) {
		t.Fatalf("calls=%v", rr.calls)
	}
}

func TestInstall_Unsupported(t *testing.T) {
	t.Parallel()

	_, err := Installer{GOOS: "plan9", Runner: &recordRunner{}}.Install(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
}
