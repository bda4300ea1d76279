package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/bandlink/internal/ble"
	"github.com/chaz8081/bandlink/internal/config"
	"github.com/chaz8081/bandlink/internal/events"
	"github.com/chaz8081/bandlink/internal/orchestrator"
	"github.com/chaz8081/bandlink/internal/protocol"
	"github.com/chaz8081/bandlink/internal/session"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/bandlink/config.yaml)")
	initConfig := flag.Bool("init-config", false, "write the default config file and exit")
	scanOnly := flag.Bool("scan", false, "list nearby bands and exit")
	address := flag.String("address", "", "band address (default: strongest band found)")
	timeout := flag.Duration("timeout", 30*time.Second, "time allowed to connect and run the action")
	action := flag.String("do", "info", "action: info, time, sync-time, battery, status, heart-rate, steps-target[=N], find")
	listen := flag.Duration("listen", 0, "keep the link open and print band events for this long (0: exit after the action)")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	run, err := parseAction(*action)
	if err != nil {
		log.Fatalf("%v", err)
	}

	loop := ble.NewLoop()
	defer loop.Close()

	bus := events.NewBus(0)
	orch := orchestrator.New(ble.NewTinyGoAdapter(), loop, cfg.Products, bus, orchestrator.OptionsFromConfig(cfg))
	defer orch.Close()

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	candidates, err := orch.Scan(ctx)
	if err != nil {
		log.Fatalf("scan: %v", err)
	}
	if *scanOnly {
		printCandidates(candidates)
		return
	}

	target, ok := pick(candidates, *address)
	if !ok {
		if *address != "" {
			log.Fatalf("band %s not found", *address)
		}
		log.Fatalf("no bands found")
	}
	log.Printf("Connecting to %s (%s, %s)", target.Device.Address, target.Product.Name, target.Product.Code)

	opCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	s, err := orch.Connect(target.Device)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	if err := s.WaitReady(opCtx); err != nil {
		log.Fatalf("connect: %v", err)
	}
	log.Println("Ready")

	if err := run(opCtx, s); err != nil {
		log.Fatalf("%s: %v", *action, err)
	}

	if *listen > 0 {
		listenEvents(ctx, bus, *listen)
	}
	log.Println("Goodbye!")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	return config.Default(), nil
}

// pick returns the candidate with the given address, or the strongest one.
func pick(candidates []orchestrator.Candidate, address string) (orchestrator.Candidate, bool) {
	if address == "" {
		if len(candidates) == 0 {
			return orchestrator.Candidate{}, false
		}
		return candidates[0], true
	}
	for _, c := range candidates {
		if strings.EqualFold(c.Device.Address, address) {
			return c, true
		}
	}
	return orchestrator.Candidate{}, false
}

func printCandidates(candidates []orchestrator.Candidate) {
	if len(candidates) == 0 {
		fmt.Println("No bands found")
		return
	}
	for _, c := range candidates {
		fmt.Printf("  %-20s %-4s %4d dBm  %s\n", c.Device.Address, c.Product.Code, c.Device.RSSI, c.Device.Name)
	}
}

type actionFunc func(context.Context, *session.Session) error

// parseAction maps the -do flag to the command sequence it runs.
func parseAction(s string) (actionFunc, error) {
	name, arg, hasArg := strings.Cut(s, "=")
	switch name {
	case "info":
		return func(ctx context.Context, sess *session.Session) error {
			cmd := protocol.NewGetDeviceInfo()
			if err := sess.Do(ctx, cmd); err != nil {
				return err
			}
			info, err := cmd.Result()
			if err != nil {
				return err
			}
			fmt.Printf("Firmware: %s\nHardware: rev %d\nSerial:   %d\n", info.Firmware, info.HardwareRevision, info.Serial)
			return nil
		}, nil
	case "time":
		return func(ctx context.Context, sess *session.Session) error {
			cmd := protocol.NewGetTime(time.Local)
			if err := sess.Do(ctx, cmd); err != nil {
				return err
			}
			t, err := cmd.Result()
			if err != nil {
				return err
			}
			fmt.Printf("Band time: %s (drift %s)\n", t.Format(time.DateTime), time.Since(t).Round(time.Second))
			return nil
		}, nil
	case "sync-time":
		return func(ctx context.Context, sess *session.Session) error {
			cmd := protocol.NewSetTime(time.Now())
			if err := sess.Do(ctx, cmd); err != nil {
				return err
			}
			if _, err := cmd.Result(); err != nil {
				return err
			}
			fmt.Println("Band clock set")
			return nil
		}, nil
	case "battery":
		return func(ctx context.Context, sess *session.Session) error {
			cmd := protocol.NewGetBattery()
			if err := sess.Do(ctx, cmd); err != nil {
				return err
			}
			b, err := cmd.Result()
			if err != nil {
				return err
			}
			fmt.Printf("Battery: %d%% (charging: %t)\n", b.Level, b.Charging)
			return nil
		}, nil
	case "status":
		return func(ctx context.Context, sess *session.Session) error {
			cmd := protocol.NewGetDeviceStatus()
			if err := sess.Do(ctx, cmd); err != nil {
				return err
			}
			st, err := cmd.Result()
			if err != nil {
				return err
			}
			fmt.Printf("Status: %s\n", st)
			return nil
		}, nil
	case "heart-rate":
		return func(ctx context.Context, sess *session.Session) error {
			cmd := protocol.NewGetHeartRate()
			if err := sess.Do(ctx, cmd); err != nil {
				return err
			}
			bpm, err := cmd.Result()
			if err != nil {
				return err
			}
			fmt.Printf("Heart rate: %d bpm\n", bpm)
			return nil
		}, nil
	case "steps-target":
		if !hasArg {
			return func(ctx context.Context, sess *session.Session) error {
				cmd := protocol.NewGetStepsTarget()
				if err := sess.Do(ctx, cmd); err != nil {
					return err
				}
				n, err := cmd.Result()
				if err != nil {
					return err
				}
				fmt.Printf("Steps target: %d\n", n)
				return nil
			}, nil
		}
		n, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("steps-target: invalid value %q", arg)
		}
		return func(ctx context.Context, sess *session.Session) error {
			cmd := protocol.NewSetStepsTarget(uint32(n))
			if err := sess.Do(ctx, cmd); err != nil {
				return err
			}
			if _, err := cmd.Result(); err != nil {
				return err
			}
			fmt.Printf("Steps target set to %d\n", n)
			return nil
		}, nil
	case "find":
		return func(ctx context.Context, sess *session.Session) error {
			cmd := protocol.NewFindBand()
			if err := sess.Do(ctx, cmd); err != nil {
				return err
			}
			_, err := cmd.Result()
			return err
		}, nil
	}
	return nil, fmt.Errorf("unknown action %q", s)
}

// listenEvents prints unsolicited band events until d elapses or ctx ends.
func listenEvents(ctx context.Context, bus *events.Bus, d time.Duration) {
	ch, unsub := bus.Subscribe()
	defer unsub()

	log.Printf("Listening for band events for %s. Ctrl+C to quit.", d)
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case e := <-ch:
			fmt.Printf("%s  %-20s %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Name, e.Device)
		case <-timer.C:
			return
		case <-ctx.Done():
			if !errors.Is(ctx.Err(), context.Canceled) {
				log.Printf("stopped: %v", ctx.Err())
			}
			return
		}
	}
}
