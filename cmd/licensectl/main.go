package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"smallbiznis-licensing/pkg/config"
	"smallbiznis-licensing/pkg/db"
	"smallbiznis-licensing/pkg/gen"
	"smallbiznis-licensing/pkg/hashistack/secretmanager"
	"smallbiznis-licensing/pkg/logger"
	"smallbiznis-licensing/pkg/task"
	"smallbiznis-licensing/services/audit"
	"smallbiznis-licensing/services/license"
	"smallbiznis-licensing/services/module"
	"smallbiznis-licensing/services/registry"
	"smallbiznis-licensing/services/usage"
)

// deps is what the admin commands operate on.
type deps struct {
	fx.In
	DB        *gorm.DB
	Registry  *registry.Registry
	Audit     *audit.Service
	Validator *license.Validator
	Usage     *usage.Service
	Modules   *module.Service
	Enqueuer  task.Enqueuer
}

type cli struct {
	out     string
	timeout time.Duration
}

// run boots the licensing services without transports, runs fn and flushes
// pending usage on the way out.
func (c *cli) run(fn func(ctx context.Context, d deps) error) error {
	var d deps
	app := fx.New(
		secretmanager.Module,
		config.Module,
		logger.Module,
		db.Module,
		gen.Module,
		registry.Module,
		audit.Module,
		license.Module,
		usage.Module,
		module.Module,
		task.Client,
		fx.Invoke(func(in deps) { d = in }),
		fx.NopLogger,
	)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return err
	}
	runErr := fn(ctx, d)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), c.timeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (c *cli) print(v interface{}) error {
	if c.out == "text" {
		if s, ok := v.(fmt.Stringer); ok {
			fmt.Println(s.String())
			return nil
		}
		if ss, ok := v.([]string); ok {
			for _, s := range ss {
				fmt.Println(s)
			}
			return nil
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func main() {
	c := &cli{
		out:     envOr("LICENSECTL_OUT", "json"),
		timeout: 30 * time.Second,
	}

	root := &cobra.Command{
		Use:           "licensectl",
		Short:         "Administer tenant licenses, modules, usage and audit trails",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.out, "out", c.out, "output format: json|text")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", c.timeout, "timeout for startup and each command")

	root.AddCommand(
		migrateCmd(c),
		licenseCmd(c),
		modulesCmd(c),
		usageCmd(c),
		auditCmd(c),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
