// Command anyosd is the kernel-harness daemon: it boots the anyOS core
// (scheduler, VM, VFS, IPC, syscall table) from a YAML boot config, mounts
// any configured block-device images, spawns the configured startup
// programs, and serves the anyctl control socket.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"anyos/internal/config"
	"anyos/internal/fsdrivers"
	"anyos/internal/kernel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "anyosd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "/System/anyos-boot.yml", "Boot configuration file")
	ctlSocket := flag.String("ctl", "/tmp/anyosd.sock", "Control socket path for anyctl")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(log, *configPath)
	if err != nil {
		return err
	}

	k, err := kernel.Boot(log, cfg)
	if err != nil {
		return err
	}

	// FAT/NTFS mounts need a host-side image file; the kernel's own
	// mountAll falls back to ramfs for them, so image-backed mounts are
	// layered on top here where host I/O is allowed.
	for _, m := range cfg.Mounts {
		if m.Driver != "fat" && m.Driver != "ntfs" {
			continue
		}
		img, err := os.Open(m.Device)
		if err != nil {
			log.Warn("anyosd: block image missing, mount skipped", "device", m.Device, "err", err)
			continue
		}
		switch m.Driver {
		case "fat":
			fs, err := fsdrivers.OpenFAT(img)
			if err != nil {
				return fmt.Errorf("open FAT image %s: %w", m.Device, err)
			}
			if err := k.Mount(m.Device, m.Mountpoint, fs); err != nil {
				return err
			}
		case "ntfs":
			fs, err := fsdrivers.OpenNTFS(img)
			if err != nil {
				return fmt.Errorf("open NTFS image %s: %w", m.Device, err)
			}
			if err := k.Mount(m.Device, m.Mountpoint, fs); err != nil {
				return err
			}
		}
		log.Info("anyosd: mounted block image", "device", m.Device, "mountpoint", m.Mountpoint, "driver", m.Driver)
	}

	ctl, err := kernel.NewControlServer(k, *ctlSocket)
	if err != nil {
		return err
	}
	go func() {
		if err := ctl.Serve(); err != nil {
			log.Error("anyosd: control server", "err", err)
		}
	}()
	log.Info("anyosd: control socket ready", "path", ctl.SocketPath())

	// Startup list: one program per line, the compositor first among equals.
	for _, prog := range cfg.Compositor.Startup {
		if _, err := k.SpawnProcess(0, prog, nil); err != nil {
			log.Warn("anyosd: startup program failed to spawn", "program", prog, "err", err)
		}
	}

	go k.Run()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("anyosd: shutting down")
	k.Stop()
	return ctl.Close()
}
