package prototype

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/paularlott/cli"

	"github.com/martinsuchenak/protosync/internal/config"
	"github.com/martinsuchenak/protosync/internal/inherit"
	"github.com/martinsuchenak/protosync/internal/model"
	protosvc "github.com/martinsuchenak/protosync/internal/prototype"
	"github.com/martinsuchenak/protosync/internal/storage"
)

// Commands returns the host prototype commands. They work on the configured
// database directly.
func Commands() []*cli.Command {
	return []*cli.Command{
		syncCommand(),
		listCommand(),
		deleteCommand(),
		unlinkCommand(),
	}
}

func flags(extra ...cli.Flag) []cli.Flag {
	return append(extra, config.GetFlags()...)
}

type env struct {
	store   *storage.SQLStore
	engine  *inherit.Engine
	service *protosvc.Service
}

func open(ctx context.Context, cmd *cli.Command) (*env, error) {
	cfg := config.FromCommand(cmd)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := storage.NewStorage(ctx, cfg.DBDriver, cfg.DataDir, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	engine := inherit.NewEngine(store, inherit.Options{MaxDepth: cfg.MaxDepth})
	return &env{store: store, engine: engine, service: protosvc.NewService(store, engine)}, nil
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:        "sync",
		Usage:       "Sync host prototypes from templates",
		Description: "Push the host prototypes of templates to every linked host and template",
		Flags: flags(
			&cli.StringFlag{Name: "templates", Usage: "Comma-separated template IDs"},
			&cli.StringFlag{Name: "hosts", Usage: "Comma-separated host IDs to restrict the first level to"},
			&cli.BoolFlag{Name: "all", Usage: "Resync every template"},
		),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			e, err := open(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.store.Close()

			if cmd.GetBool("all") {
				result, err := e.engine.SyncAll(ctx)
				if result != nil {
					fmt.Printf("Templates: %d, changed: %d, failed: %d (%s)\n", result.Templates, result.Changed, result.Failed, result.Duration)
				}
				return err
			}

			changed, err := e.service.SyncTemplates(ctx, parseList(cmd.GetString("templates")), parseList(cmd.GetString("hosts")))
			if err != nil {
				return describe(err)
			}
			fmt.Printf("Created or updated %d host prototypes\n", len(changed))
			printPrototypes(os.Stdout, changed)
			return nil
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:        "list",
		Usage:       "List host prototypes",
		Description: "List host prototypes, optionally for some discovery rules",
		Flags: flags(
			&cli.StringFlag{Name: "rules", Usage: "Comma-separated discovery rule IDs"},
		),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			e, err := open(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.store.Close()

			protos, err := e.store.ListHostPrototypes(ctx, &model.HostPrototypeFilter{DiscoveryRuleIDs: parseList(cmd.GetString("rules"))})
			if err != nil {
				return fmt.Errorf("failed to list host prototypes: %w", err)
			}
			printPrototypes(os.Stdout, protos)
			return nil
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:        "delete",
		Usage:       "Delete a host prototype",
		Description: "Delete a native host prototype, its inherited copies and the hosts discovered from them",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "id", Required: true},
		},
		Flags: flags(),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			e, err := open(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.store.Close()

			deleted, err := e.service.Delete(ctx, []string{cmd.GetStringArg("id")})
			if err != nil {
				return describe(err)
			}
			fmt.Printf("Deleted %d host prototypes\n", len(deleted))
			return nil
		},
	}
}

func unlinkCommand() *cli.Command {
	return &cli.Command{
		Name:        "unlink",
		Usage:       "Unlink inherited host prototypes",
		Description: "Turn the inherited host prototypes of discovery rules into native ones",
		Flags: flags(
			&cli.StringFlag{Name: "rules", Usage: "Comma-separated discovery rule IDs", Required: true},
		),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			e, err := open(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.store.Close()

			unlinked, err := e.service.Unlink(ctx, parseList(cmd.GetString("rules")))
			if err != nil {
				return describe(err)
			}
			fmt.Printf("Unlinked %d host prototypes\n", len(unlinked))
			printPrototypes(os.Stdout, unlinked)
			return nil
		},
	}
}

// describe expands conflict errors to one line per conflict
func describe(err error) error {
	var conflictErr *inherit.ConflictError
	if errors.As(err, &conflictErr) {
		return fmt.Errorf("%s", strings.Join(conflictErr.Messages(), "\n"))
	}
	return err
}

func printPrototypes(w io.Writer, protos []model.HostPrototype) {
	if len(protos) == 0 {
		fmt.Fprintln(w, "No host prototypes found")
		return
	}

	for _, p := range protos {
		lineage := "-"
		if p.LineageID != "" {
			lineage = p.LineageID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.DiscoveryRuleID, p.Host, p.Status, lineage)
	}
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
