// tock: hosted embedded kernel board
//
// This is the main entry point for the hosted board, which runs the
// kernel against a software chip: apps are Go functions registered on
// the runtime, app bundles live in a flashstore on disk, and an
// optional JSON-RPC console exposes process introspection and control.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/patsv99/tock/internal/types"
	"github.com/patsv99/tock/pkg/appbin"
	"github.com/patsv99/tock/pkg/capsules/alarm"
	"github.com/patsv99/tock/pkg/capsules/console"
	"github.com/patsv99/tock/pkg/capsules/nvstorage"
	"github.com/patsv99/tock/pkg/capsules/temperature"
	"github.com/patsv99/tock/pkg/chip/hosted"
	"github.com/patsv99/tock/pkg/flashstore"
	"github.com/patsv99/tock/pkg/inspect"
	"github.com/patsv99/tock/pkg/kernel"
	"github.com/patsv99/tock/pkg/process"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	dataDir       = flag.String("data-dir", "tock-data", "Data directory for flashstore and nonvolatile storage")
	numSlots      = flag.Int("num-slots", 4, "Number of process slots")
	timeslice     = flag.Uint("timeslice", 10, "Preemption timeslice in systick ticks")
	maxRestarts   = flag.Int("max-restarts", 3, "Restarts before a crashing process is stopped")
	faultPolicy   = flag.String("fault-policy", "restart", "Fault policy: restart, stop, panic")
	scheduler     = flag.String("scheduler", "round-robin", "Scheduling policy: round-robin, priority")
	inspectAddr   = flag.String("inspect-addr", ":8190", "Inspection console listen address")
	enableInspect = flag.Bool("enable-inspect", false, "Enable the JSON-RPC inspection console")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("tock %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("tock %s starting", Version)

	policy, err := parseFaultPolicy(*faultPolicy)
	if err != nil {
		log.Fatalf("Invalid fault policy: %v", err)
	}
	sched, err := parseScheduler(*scheduler)
	if err != nil {
		log.Fatalf("Invalid scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Flashstore holds the installed app bundles.
	flash, err := flashstore.Open(flashstore.DefaultConfig(filepath.Join(*dataDir, "flash.db")))
	if err != nil {
		log.Fatalf("Failed to open flashstore: %v", err)
	}
	defer flash.Close()

	// Nonvolatile storage backing the 0x50001 driver.
	nvStore, err := nvstorage.OpenStore(nvstorage.DefaultStoreConfig(filepath.Join(*dataDir, "nvstore")))
	if err != nil {
		log.Fatalf("Failed to open nonvolatile store: %v", err)
	}
	defer nvStore.Close()

	ch := hosted.New(hosted.Config{Logf: log.Printf})
	k := kernel.New(ch, kernel.Config{
		NumSlots:    *numSlots,
		Timeslice:   uint32(*timeslice),
		Policy:      sched,
		MaxRestarts: *maxRestarts,
		Logf:        log.Printf,
		OnFault: func(pid types.ProcessID, name, reason string) {
			log.Printf("Process %d (%s) faulted: %s", pid, name, reason)
		},
		OnExit: func(pid types.ProcessID, name string) {
			log.Printf("Process %d (%s) exited", pid, name)
		},
	})

	// Drivers must be registered before any process is loaded.
	if err := k.Register(alarm.DriverNum, alarm.New(k)); err != nil {
		log.Fatalf("Failed to register alarm: %v", err)
	}
	if err := k.Register(console.DriverNum, console.New(k, console.Config{Output: os.Stdout})); err != nil {
		log.Fatalf("Failed to register console: %v", err)
	}
	if err := k.Register(temperature.DriverNum, temperature.New(k, temperature.Config{Sample: newSampler()})); err != nil {
		log.Fatalf("Failed to register temperature: %v", err)
	}
	if err := k.Register(nvstorage.DriverNum, nvstorage.New(k, nvStore)); err != nil {
		log.Fatalf("Failed to register nvstorage: %v", err)
	}

	for name, appMain := range demoApps {
		if err := ch.Runtime().RegisterApp(name, appMain); err != nil {
			log.Fatalf("Failed to register app %s: %v", name, err)
		}
	}

	if err := installDemoBundles(flash); err != nil {
		log.Fatalf("Failed to install demo bundles: %v", err)
	}

	loaded, err := loadInstalledApps(ch, k, flash, policy)
	if err != nil {
		log.Fatalf("Failed to load apps: %v", err)
	}
	log.Printf("Loaded %d processes", loaded)

	if *enableInspect {
		cfg := inspect.DefaultConfig()
		cfg.Addr = *inspectAddr
		srv := inspect.New(cfg, k, flash)
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Printf("Inspection console error: %v", err)
			}
		}()
		defer srv.Stop()
		log.Printf("Inspection console listening on %s", *inspectAddr)
	}

	// Periodic status logging
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				live := 0
				for _, p := range k.Processes() {
					if p.State != "terminated" && p.State != "stopped" {
						live++
					}
				}
				log.Printf("Status: ticks=%d, processes=%d, live=%d",
					k.Ticks(), len(k.Processes()), live)
			}
		}
	}()

	if err := k.Run(ctx); err != nil {
		log.Fatalf("Kernel error: %v", err)
	}
	log.Printf("All processes finished after %d ticks", k.Ticks())
	log.Println("tock stopped")
}

func parseFaultPolicy(s string) (process.FaultPolicy, error) {
	switch s {
	case "restart":
		return process.PolicyRestart, nil
	case "stop":
		return process.PolicyStop, nil
	case "panic":
		return process.PolicyPanicKernel, nil
	default:
		return 0, fmt.Errorf("unknown policy %q", s)
	}
}

func parseScheduler(s string) (kernel.Policy, error) {
	switch s {
	case "round-robin":
		return kernel.NewRoundRobin(), nil
	case "priority":
		return kernel.NewPriority(), nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", s)
	}
}

// installDemoBundles builds and installs a bundle for each demo app
// that is not already in the flashstore. The payload is a placeholder
// flash image; entry and name are what the loader keys on.
func installDemoBundles(flash *flashstore.Store) error {
	for name := range demoApps {
		if _, err := flash.ByName(name); err == nil {
			continue
		} else if !errors.Is(err, flashstore.ErrNameNotFound) {
			return err
		}
		payload := make([]byte, 256)
		copy(payload, name)
		raw, err := appbin.Build(appbin.BuildParams{
			Name:       name,
			Entry:      0,
			Payload:    payload,
			MinRAMSize: 16 * 1024,
			StackSize:  2 * 1024,
		})
		if err != nil {
			return fmt.Errorf("build %s: %w", name, err)
		}
		id, err := flash.Install(raw)
		if err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
		log.Printf("Installed bundle %s as %s", name, id.Short())
	}
	return nil
}

// loadInstalledApps loads every flashstore image whose name has a
// registered app main. Images without one are left installed but not
// run.
func loadInstalledApps(ch *hosted.Chip, k *kernel.Kernel, flash *flashstore.Store, policy process.FaultPolicy) (int, error) {
	metas, err := flash.List()
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, m := range metas {
		if _, ok := demoApps[m.Name]; !ok {
			log.Printf("Skipping %s: no registered app main", m.Name)
			continue
		}
		img, err := flash.Get(m.AppID)
		if err != nil {
			return loaded, err
		}
		pid, err := k.LoadProcess(img, kernel.LoadOptions{Policy: policy})
		if err != nil {
			return loaded, fmt.Errorf("load %s: %w", m.Name, err)
		}
		log.Printf("Loaded %s as process %d", m.Name, pid)
		loaded++
	}
	return loaded, nil
}

// newSampler returns a synthetic die-voltage source that wanders
// gently around the 27 degree reference point.
func newSampler() func() float64 {
	n := 0
	return func() float64 {
		n++
		return temperature.DefaultV27 + 0.002*math.Sin(float64(n)/7.0)
	}
}
