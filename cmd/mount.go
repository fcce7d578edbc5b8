package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/timeutil"

	obfusfs "github.com/rorre/ObfusFS/internal/fs"
	"github.com/rorre/ObfusFS/internal/logger"
	"github.com/rorre/ObfusFS/internal/metrics"
)

const daemonizeEnvVar = "OBFUSFS_DAEMONIZED"

func password() (string, error) {
	if p := MountConfig.Password; p != "" {
		return p, nil
	}
	if p := os.Getenv("OBFUSFS_PASSWORD"); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("no password supplied: pass --password or set OBFUSFS_PASSWORD")
}

func runMount(backingDir, mountPoint string) error {
	if err := logger.Init(logger.Config{
		FilePath: MountConfig.LogFile,
		Format:   MountConfig.LogFormat,
		Severity: MountConfig.LogSeverity,
	}); err != nil {
		return fmt.Errorf("configuring logger: %w", err)
	}

	// Re-exec ourselves detached unless we're already the daemon child, or
	// the caller asked to stay in the foreground (matches gcsfuse's
	// daemonize.Run/daemonize.SignalOutcome handshake).
	if !MountConfig.Foreground && os.Getenv(daemonizeEnvVar) == "" {
		return daemonizeAndWait(backingDir, mountPoint)
	}

	backingDir, err := filepath.Abs(backingDir)
	if err != nil {
		return fmt.Errorf("resolving backing dir: %w", err)
	}
	mountPoint, err = filepath.Abs(mountPoint)
	if err != nil {
		return fmt.Errorf("resolving mount point: %w", err)
	}

	pass, err := password()
	if err != nil {
		reportOutcome(err)
		return err
	}

	var m *metrics.Metrics
	if MountConfig.MetricsAddr != "" {
		m = metrics.New()
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		go func() {
			if err := http.ListenAndServe(MountConfig.MetricsAddr, mux); err != nil {
				logger.Errorf("metrics server: %v", err)
			}
		}()
	}

	server, err := obfusfs.NewServer(&obfusfs.ServerConfig{
		BackingRoot: backingDir,
		Password:    []byte(pass),
		Clock:       timeutil.RealClock(),
		Uid:         MountConfig.Uid,
		Gid:         MountConfig.Gid,
		DirMode:     os.FileMode(MountConfig.DirMode),
		Metrics:     m,
	})
	if err != nil {
		reportOutcome(err)
		return fmt.Errorf("fs.NewServer: %w", err)
	}

	mfs, err := fuse.Mount(mountPoint, server, &fuse.MountConfig{
		FSName:     "obfusfs",
		Subtype:    "obfusfs",
		VolumeName: "obfusfs",
	})
	if err != nil {
		reportOutcome(err)
		return fmt.Errorf("mount: %w", err)
	}

	reportOutcome(nil)
	logger.Infof("mounted %s at %s", backingDir, mountPoint)
	return mfs.Join(context.Background())
}

// reportOutcome signals success/failure back to the parent process started
// by daemonizeAndWait, if we are in fact a daemonized child.
func reportOutcome(err error) {
	if os.Getenv(daemonizeEnvVar) == "" {
		return
	}
	if sigErr := daemonize.SignalOutcome(err); sigErr != nil {
		logger.Errorf("signaling outcome to parent process: %v", sigErr)
	}
}

// daemonizeAndWait re-executes the current binary with the same arguments,
// marked via daemonizeEnvVar, and waits for it to either report a
// successful mount or exit with an error.
func daemonizeAndWait(backingDir, mountPoint string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}

	env := append(os.Environ(), daemonizeEnvVar+"=1")
	if pass := MountConfig.Password; pass != "" {
		env = append(env, "OBFUSFS_PASSWORD="+pass)
	}

	args := append([]string{}, os.Args[1:]...)
	if err := daemonize.Run(exe, args, env, os.Stdout); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}

	logger.Infof("mounted %s at %s (daemonized)", backingDir, mountPoint)
	return nil
}
