// Command mlschat manages epoch-rotating encrypted groups from the command
// line. Every invocation loads the persisted state, runs one operation and
// saves the result.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	mls "github.com/suhasHere/mlschat"
	"github.com/suhasHere/mlschat/internal/clock"
	"github.com/suhasHere/mlschat/internal/config"
	"github.com/suhasHere/mlschat/store/file"
	"github.com/suhasHere/mlschat/store/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, newRenderer(os.Stderr).failure(err))
		os.Exit(1)
	}
}

const usage = `Usage: mlschat [flags] <command> [args]

Commands:
  init <handle>               Create an identity and make it active
  use <handle>                Switch the active identity
  create-group <name>         Create a group with the active identity
  add-member <group> <handle> Add an initialized identity to a group
  send <group> <text>         Send a message as the active identity
  list <group>                Show the group's messages
  info <group>                Show the group's epoch and members

Flags:
`

type command struct {
	args int
	run  func(ctx context.Context, s *mls.Session, r *renderer, args []string) error
}

var commands = map[string]command{
	"init":         {1, runInit},
	"use":          {1, runUse},
	"create-group": {1, runCreateGroup},
	"add-member":   {2, runAddMember},
	"send":         {2, runSend},
	"list":         {1, runList},
	"info":         {1, runInfo},
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags := pflag.NewFlagSet("mlschat", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "path to a YAML config file (default $"+config.EnvConfig+")")
	dataDir := flags.String("data-dir", "", "directory holding the persisted state")
	backend := flags.String("backend", "", "store backend: file or sqlite")
	logLevel := flags.String("log-level", "", "debug, info, warn or error")
	flags.Usage = func() {
		fmt.Fprint(stderr, usage)
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	positional := flags.Args()
	if len(positional) == 0 {
		flags.Usage()
		return fmt.Errorf("command required")
	}

	name, operands := positional[0], positional[1:]
	cmd, ok := commands[name]
	if !ok {
		flags.Usage()
		return fmt.Errorf("unknown command %q", name)
	}
	if len(operands) < cmd.args {
		return fmt.Errorf("%s: expected %d argument(s), got %d", name, cmd.args, len(operands))
	}
	if name == "send" {
		// Unquoted message text arrives as separate words.
		operands = []string{operands[0], strings.Join(operands[1:], " ")}
	} else if len(operands) > cmd.args {
		return fmt.Errorf("%s: expected %d argument(s), got %d", name, cmd.args, len(operands))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *backend != "" {
		cfg.Backend = config.Backend(*backend)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	session, err := openSession(cfg, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	return cmd.run(ctx, session, newRenderer(stdout), operands)
}

func openSession(cfg *config.Config, logger *slog.Logger) (*mls.Session, error) {
	suite, err := cfg.Suite()
	if err != nil {
		return nil, err
	}

	var store mls.Store
	switch cfg.Backend {
	case config.BackendSQLite:
		store, err = sqlite.Open(cfg.DataDir, logger)
	default:
		passphrase, perr := cfg.Passphrase()
		if perr != nil {
			return nil, perr
		}
		store, err = file.New(file.Options{
			Dir:              cfg.DataDir,
			Passphrase:       passphrase,
			ScryptWorkFactor: cfg.Keystore.ScryptWorkFactor,
			Logger:           logger,
		})
	}
	if err != nil {
		return nil, err
	}

	session, err := mls.NewSession(mls.SessionConfig{
		Store:        store,
		Suite:        suite,
		Clock:        clock.Real(),
		Logger:       logger,
		KeyCacheSize: cfg.KeyCacheSize,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return session, nil
}

func runInit(ctx context.Context, s *mls.Session, r *renderer, args []string) error {
	id, err := s.Init(ctx, args[0])
	if err != nil {
		return err
	}
	r.success("initialized identity %s (%v)", id.Handle, id.CipherSuite)
	return nil
}

func runUse(ctx context.Context, s *mls.Session, r *renderer, args []string) error {
	if err := s.Use(ctx, args[0]); err != nil {
		return err
	}
	r.success("active identity is now %s", args[0])
	return nil
}

func runCreateGroup(ctx context.Context, s *mls.Session, r *renderer, args []string) error {
	g, err := s.CreateGroup(ctx, args[0])
	if err != nil {
		return err
	}
	r.success("created group %s at epoch %d", g.Name, g.Epoch)
	return nil
}

func runAddMember(ctx context.Context, s *mls.Session, r *renderer, args []string) error {
	res, err := s.AddMember(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	if res.AlreadyMember {
		r.notice(res.Notice)
		return nil
	}
	r.success("added %s to %s, group is now at epoch %d", args[1], args[0], res.Epoch)
	return nil
}

func runSend(ctx context.Context, s *mls.Session, r *renderer, args []string) error {
	msg, err := s.Send(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	r.success("sent message %s to %s at epoch %d", msg.ID, args[0], msg.Epoch)
	return nil
}

func runList(ctx context.Context, s *mls.Session, r *renderer, args []string) error {
	msgs, err := s.List(ctx, args[0])
	if err != nil {
		return err
	}
	r.messages(args[0], msgs)
	return nil
}

func runInfo(ctx context.Context, s *mls.Session, r *renderer, args []string) error {
	status, err := s.Info(ctx, args[0])
	if err != nil {
		return err
	}
	r.info(status)
	return nil
}
