package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"git.unix.lgbt/diamondburned/castwatch/castwatch"
	"git.unix.lgbt/diamondburned/castwatch/castwatch/config"
	"git.unix.lgbt/diamondburned/castwatch/castwatch/exec"
	"git.unix.lgbt/diamondburned/castwatch/castwatch/journal"
	"github.com/pkg/errors"
)

var (
	configFile  string
	journalFile string
)

func init() {
	configDir, err := os.UserConfigDir()
	if err == nil {
		configFile = filepath.Join(configDir, "castwatch", "config.yml")
		journalFile = filepath.Join(configDir, "castwatch", "journal.json")
	}

	flag.StringVar(&configFile, "c", configFile, "config file path (yaml or json)")
	flag.StringVar(&journalFile, "j", journalFile, "journal file path")
	flag.Usage = func() {
		f := func(f string, v ...interface{}) {
			fmt.Fprintf(flag.CommandLine.Output(), f, v...)
		}

		f("Usage:\n")
		f("  %s -c <config> -j <journal> [|cron]\n", filepath.Base(os.Args[0]))
		f("\n")
		f("Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if journalFile == "" {
		log.Fatalln("missing -j path to journal file")
	}
}

func main() {
	var err error
	switch flag.Arg(0) {
	case "cron":
		cron()
	case "":
		err = start()
	default:
		log.Fatalf("unknown subcommand %q\n", flag.Arg(0))
	}

	if err != nil {
		log.Fatalln(err)
	}
}

func cron() {
	crontimes := [...]string{
		"# Start castwatch immediately on startup.",
		"@reboot",
		"# Bring castwatch back every minute if it died.",
		"* * * * *",
	}

	c := strconv.Quote(configFile)
	j := strconv.Quote(journalFile)

	for _, crontime := range crontimes {
		if strings.HasPrefix(crontime, "#") {
			fmt.Println(crontime)
			continue
		}

		fmt.Println(crontime, os.Args[0], "-c", c, "-j", j)
	}
}

func start() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	j, err := journal.NewFileLockJournaler(journalFile)
	if err != nil {
		if errors.Is(err, journal.ErrLockedElsewhere) {
			// Non-fatal error.
			log.Println("castwatch is already running")
			return nil
		}

		return errors.Wrap(err, "failed to acquire journal lock")
	}
	defer j.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hub := journal.NewHubWriter(cfg.Hub.Base, cfg.Hub.Token)
	defer hub.Close()

	journaler := journal.MultiWriter(j, journal.NewHumanWriter(os.Stderr), hub)

	if configFile != "" {
		w := castwatch.TryWatch(ctx, configFile, journaler)
		go reloadHub(ctx, w, hub, journaler)
	}

	runner := exec.NewRunner()

	driver := castwatch.NewDriver(journaler)
	driver.SampleEvery = cfg.Intervals.Sample
	driver.SuperviseEvery = cfg.Intervals.Supervise
	driver.Sampler = newSampler(cfg, runner)
	driver.Tracker = castwatch.NewHogTracker(cfg.HogPolicy())
	driver.Supervisor = castwatch.NewSupervisor(cfg.SuiteConfig(), runner, journaler)

	driver.Terminator = castwatch.NewTerminator(runner, journaler)
	driver.Terminator.Timeout = cfg.Hogs.KillTimeout

	driver.Guard = castwatch.NewMaintenanceGuard(runner, journaler)
	driver.Guard.Pattern = cfg.Maintenance.Pattern
	driver.Guard.Timeout = cfg.Maintenance.Timeout

	journaler.Write(castwatch.EventStarted{PID: os.Getpid()})

	driver.Run(ctx)
	return nil
}

func newSampler(cfg *config.Config, r exec.Runner) castwatch.Sampler {
	if cfg.Hogs.Sampler == config.SamplerProc {
		s := castwatch.NewProcSampler()
		s.TopN = cfg.Hogs.TopN
		return s
	}

	s := castwatch.NewTopSampler(r)
	s.Command = cfg.Hogs.Command
	s.Timeout = cfg.Hogs.Timeout
	return s
}

// reloadHub re-points the hub writer every time the config file changes.
// Nothing else is reloaded: thresholds and commands only change on restart.
func reloadHub(ctx context.Context, w *castwatch.Watcher, hub *journal.HubWriter, j castwatch.Journaler) {
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-w.Changes:
			cfg, err := config.Load(path)
			if err != nil {
				j.Write(castwatch.EventWarning{
					Component: "config",
					Error:     "ignoring changed config: " + err.Error(),
				})
				continue
			}

			target := journal.HubURL(cfg.Hub.Base, cfg.Hub.Token)
			if target == hub.Target() {
				continue
			}

			hub.SetTarget(cfg.Hub.Base, cfg.Hub.Token)
			j.Write(castwatch.EventNotificationTarget{Path: path, Base: cfg.Hub.Base})
		}
	}
}
