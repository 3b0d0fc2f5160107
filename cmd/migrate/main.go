// Command migrate applies or rolls back the monitor's embedded SQL
// migrations standalone.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/coachpo/spreadwatch/internal/config"
	"github.com/coachpo/spreadwatch/internal/observability"
	"github.com/coachpo/spreadwatch/internal/persistence"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath = flag.String("config", "", "Path to configuration file (default: config/spreadwatch.yaml)")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		create  = flag.Bool("create", false, "Create the target database if it does not exist")
		quiet   = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	if !*quiet {
		logger := log.New(os.Stdout, "spreadwatch-migrate ", log.LstdFlags)
		observability.SetLogger(observability.NewStdLogger(logger, true))
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dbCfg := persistence.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Name,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		if *create {
			if err := persistence.EnsureDatabase(ctx, dbCfg); err != nil {
				return err
			}
		}
		return persistence.EnsureTables(ctx, dbCfg)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return persistence.Rollback(ctx, dbCfg, steps)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
