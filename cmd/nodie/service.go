package main

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"nodie/internal/config"
	"nodie/internal/execx"
	"nodie/internal/service"
)

var serviceUserLevel bool

var installServiceCmd = &cobra.Command{
	Use:   "install-service",
	Short: "Install nodie as a system service that starts on boot",
	RunE:  runInstallService,
}

var uninstallServiceCmd = &cobra.Command{
	Use:   "uninstall-service",
	Short: "Remove the nodie system service",
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := newInstaller()
		if err != nil {
			return err
		}
		if err := inst.Uninstall(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Service removed.")
		return nil
	},
}

func init() {
	installServiceCmd.Flags().BoolVar(&serviceUserLevel, "user", false, "install for the current user only")
	uninstallServiceCmd.Flags().BoolVar(&serviceUserLevel, "user", false, "remove the per-user service")
}

func runInstallService(cmd *cobra.Command, args []string) error {
	inst, err := newInstaller()
	if err != nil {
		return err
	}
	res, err := inst.Install(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Service installed: %s\n", res.Path)
	for _, h := range res.Hints {
		fmt.Printf("  %s\n", h)
	}
	return nil
}

func newInstaller() (service.Installer, error) {
	exe, err := os.Executable()
	if err != nil {
		return service.Installer{}, err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	dir, err := config.Dir()
	if err != nil {
		return service.Installer{}, err
	}
	home, _ := os.UserHomeDir()
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	return service.Installer{
		GOOS:      runtime.GOOS,
		Exe:       exe,
		User:      username,
		Home:      home,
		LogDir:    filepath.Dir(config.LogPath(dir)),
		UserLevel: serviceUserLevel,
		Runner:    execx.NewOSRunner(os.Stdout, os.Stderr),
	}, nil
}
