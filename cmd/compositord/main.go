// Command compositord is the compositor daemon: the privileged userspace
// window manager that owns the framebuffer. It boots on top of the kernel
// harness, marks itself critical, opens the compositor:events channel, and
// runs the frame loop: apply pending surface mutations at the frame
// boundary, composite damage, route input to the focused surface.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"anyos/internal/compositor"
	"anyos/internal/config"
	"anyos/internal/ipc"
	"anyos/internal/kernel"
	"anyos/internal/protocol"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "compositord: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "/System/anyos-boot.yml", "Boot configuration file")
	fps := flag.Int("fps", 60, "Compositor frame rate")
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
	go k.Run()
	defer k.Stop()

	fb := k.Framebuffer()
	comp := compositor.New(log, fb.Width, fb.Height)

	// Per-client event rings hang off the compositor:events channel; the
	// input router pushes translated packets for whichever surface holds
	// focus.
	events := k.Events().Open(compositor.EventsChannelName)
	deliver := func(surfaceID uint64, ev compositor.InputEvent) {
		events.Emit(encodeInput(surfaceID, ev))
	}
	router := compositor.NewRouter(comp, deliver)
	if cfg.Compositor.DefaultLayout != "" {
		router.SetLayout(cfg.Compositor.DefaultLayout)
	}

	// The request server decodes client protocol frames from per-client
	// request pipes and dispatches them onto the compositor.
	srv := compositor.NewServer(log, comp, k.Pipes(), k.Shm(), k.Events())
	stop := make(chan struct{})
	defer close(stop)
	go srv.Serve(stop)

	// Raw scancodes arrive from the kernel's input driver on its own
	// channel; the router translates, hit-tests, and forwards. The kernel
	// broadcasts kbd_set_layout changes on sys:events, which is where the
	// router learns about them.
	scancodes := k.Events().Open("input:scancodes")
	scanSub := k.Events().NewSubscriberID()
	scancodes.Subscribe(scanSub, 256)
	sysEvents := k.Events().Open("sys:events")
	sysSub := k.Events().NewSubscriberID()
	sysEvents.Subscribe(sysSub, 64)

	log.Info("compositord: owning framebuffer", "w", fb.Width, "h", fb.Height, "layout", router.GetLayout())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second / time.Duration(*fps))
	defer ticker.Stop()

	for {
		select {
		case <-sig:
			log.Info("compositord: shutting down")
			return nil
		case <-ticker.C:
			// Layout changes and other system events first, then raw
			// input, then the frame.
			for {
				ev, ok := sysEvents.Poll(sysSub)
				if !ok {
					break
				}
				if name, found := strings.CutPrefix(string(ev.Payload), "kbd-layout "); found {
					if !router.SetLayout(name) {
						log.Warn("compositord: unknown keyboard layout", "name", name)
					}
				}
			}
			for {
				ev, ok := scancodes.Poll(scanSub)
				if !ok {
					break
				}
				if len(ev.Payload) == 2 {
					router.HandleScancode(ev.Payload[0], ev.Payload[1] != 0)
				}
			}

			// Frame boundary: pending destroy/resize take effect here and
			// nowhere else; replaced segments go back to the shm registry.
			surfaces := comp.BeginFrame(func(seg *ipc.Segment) {
				k.Shm().Unmap(seg.ID, 0)
			})
			if len(surfaces) == 0 {
				continue
			}
			frame := comp.CaptureScreen(true)
			copy(fb.Bytes(), frame)
		}
	}
}

// encodeInput packs a routed input event into the [5]u32 wire shape.
func encodeInput(surfaceID uint64, ev compositor.InputEvent) []byte {
	var pkt protocol.EventPacket
	switch ev.Kind {
	case compositor.EventKeyDown:
		pkt = protocol.EncodeKeyEvent(true, ev.Key, surfaceID)
	case compositor.EventKeyUp:
		pkt = protocol.EncodeKeyEvent(false, ev.Key, surfaceID)
	case compositor.EventMouseMove:
		pkt = protocol.EncodeMouseMoveEvent(ev.X, ev.Y, surfaceID)
	case compositor.EventMouseButtonDown:
		pkt = protocol.EncodeMouseButtonEvent(true, ev.Button, ev.X, ev.Y)
	case compositor.EventMouseButtonUp:
		pkt = protocol.EncodeMouseButtonEvent(false, ev.Button, ev.X, ev.Y)
	default:
		pkt = protocol.EventPacket{}
	}
	return pkt.Marshal()
}
