package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"smallbiznis-licensing/pkg/db"
	"smallbiznis-licensing/pkg/db/pagination"
	"smallbiznis-licensing/services/audit"
	"smallbiznis-licensing/services/license"
	"smallbiznis-licensing/services/module"
	"smallbiznis-licensing/services/usage"
)

var cliActor = audit.RequestInfo{Actor: "licensectl"}

func migrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the licensing tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, d deps) error {
				if err := db.Migrate(d.DB, append(license.Models(), &audit.Entry{})...); err != nil {
					return err
				}
				return c.print(map[string]bool{"migrated": true})
			})
		},
	}
}

// parseExpiry accepts RFC3339 timestamps or YYYY-MM-DD dates.
func parseExpiry(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid expiry %q: want RFC3339 or YYYY-MM-DD", s)
}

// parseLimits reads type=value pairs; "unlimited" leaves the quota open.
func parseLimits(pairs []string) (license.Limits, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	limits := make(license.Limits, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid limit %q: want type=value", p)
		}
		t, ok := license.ParseUsageType(strings.TrimSpace(k))
		if !ok {
			return nil, fmt.Errorf("unknown usage type %q", k)
		}
		v = strings.TrimSpace(v)
		if v == "unlimited" {
			limits[t] = nil
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid limit value %q for %s", v, t)
		}
		limits[t] = license.Limit(n)
	}
	return limits, nil
}

func licenseCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "license", Short: "Provision and inspect tenant licenses"}

	var subscription, expires string
	provision := &cobra.Command{
		Use:   "provision <tenant>",
		Short: "Create a tenant license with the core module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := parseExpiry(expires)
			if err != nil {
				return err
			}
			return c.run(func(ctx context.Context, d deps) error {
				lic, err := d.Modules.ProvisionLicense(ctx, args[0], subscription, exp)
				if err != nil {
					return err
				}
				return c.print(lic)
			})
		},
	}
	provision.Flags().StringVar(&subscription, "subscription", "", "billing subscription id")
	provision.Flags().StringVar(&expires, "expires", "", "license expiry (RFC3339 or YYYY-MM-DD)")

	var statusExpires string
	status := &cobra.Command{
		Use:   "status <tenant> <active|expired|suspended|canceled>",
		Short: "Change a license status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := license.Status(args[1])
			switch st {
			case license.StatusActive, license.StatusExpired, license.StatusSuspended, license.StatusCanceled:
			default:
				return fmt.Errorf("unknown license status %q", args[1])
			}
			exp, err := parseExpiry(statusExpires)
			if err != nil {
				return err
			}
			return c.run(func(ctx context.Context, d deps) error {
				return d.Modules.SetLicenseStatus(ctx, args[0], st, exp, cliActor)
			})
		},
	}
	status.Flags().StringVar(&statusExpires, "expires", "", "new license expiry (RFC3339 or YYYY-MM-DD)")

	check := &cobra.Command{
		Use:   "check <tenant> <module>",
		Short: "Validate module access against the store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, d deps) error {
				return c.print(d.Validator.ValidateModuleAccess(ctx, args[0], args[1], license.ValidateOptions{
					SkipCache: true,
					Request:   cliActor,
				}))
			})
		},
	}

	cmd.AddCommand(provision, status, check)
	return cmd
}

func modulesCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "modules", Short: "Module registry and tenant grants"}

	order := &cobra.Command{
		Use:   "order <module>...",
		Short: "Print the load order of the given modules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, d deps) error {
				keys, err := d.Registry.GetLoadOrder(args)
				if err != nil {
					return err
				}
				return c.print(keys)
			})
		},
	}

	depsCmd := &cobra.Command{
		Use:   "deps <module>",
		Short: "Print a module's dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, d deps) error {
				out, err := d.Modules.GetModuleDependencies(args[0])
				if err != nil {
					return err
				}
				return c.print(out)
			})
		},
	}

	list := &cobra.Command{
		Use:   "list <tenant>",
		Short: "Print the tenant's enabled modules in load order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, d deps) error {
				keys, err := d.Modules.EnabledModules(ctx, args[0])
				if err != nil {
					return err
				}
				return c.print(keys)
			})
		},
	}

	var tier, expires string
	var limits []string
	enable := &cobra.Command{
		Use:   "enable <tenant> <module>...",
		Short: "Enable modules in dependency order",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := parseLimits(limits)
			if err != nil {
				return err
			}
			exp, err := parseExpiry(expires)
			if err != nil {
				return err
			}
			opts := module.EnableOptions{Tier: license.Tier(tier), Limits: l, ExpiresAt: exp, Request: cliActor}
			return c.run(func(ctx context.Context, d deps) error {
				if len(args) == 2 {
					if err := d.Modules.EnableModule(ctx, args[0], args[1], opts); err != nil {
						return err
					}
					return c.print([]string{args[1]})
				}
				done, err := d.Modules.EnableModules(ctx, args[0], args[1:], opts)
				if err != nil {
					return err
				}
				return c.print(done)
			})
		},
	}
	enable.Flags().StringVar(&tier, "tier", string(license.TierStarter), "grant tier: starter|business|enterprise")
	enable.Flags().StringVar(&expires, "expires", "", "grant expiry (RFC3339 or YYYY-MM-DD)")
	enable.Flags().StringArrayVar(&limits, "limit", nil, "quota as type=value or type=unlimited, repeatable")

	disable := &cobra.Command{
		Use:   "disable <tenant> <module>",
		Short: "Disable a module",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, d deps) error {
				return d.Modules.DisableModule(ctx, args[0], args[1], cliActor)
			})
		},
	}

	cmd.AddCommand(order, depsCmd, list, enable, disable)
	return cmd
}

func usageCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "usage", Short: "Inspect, record and reset metered usage"}

	show := &cobra.Command{
		Use:   "show <tenant> [module]",
		Short: "Print usage for one module or every enabled module",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, d deps) error {
				if len(args) == 2 {
					r, err := d.Usage.GetUsage(ctx, args[0], args[1])
					if err != nil {
						return err
					}
					return c.print(r)
				}
				r, err := d.Usage.GetTenantUsage(ctx, args[0])
				if err != nil {
					return err
				}
				return c.print(r)
			})
		},
	}

	track := &cobra.Command{
		Use:   "track <tenant> <module> <type> <amount>",
		Short: "Record usage immediately",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[3], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q", args[3])
			}
			return c.run(func(ctx context.Context, d deps) error {
				res := d.Usage.TrackUsage(ctx, args[0], args[1], args[2], amount, usage.TrackOptions{Immediate: true, Request: cliActor})
				if err := c.print(res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("%s: %s", res.Error, res.Reason)
				}
				return nil
			})
		},
	}

	var moduleKey, usageType string
	var async bool
	reset := &cobra.Command{
		Use:   "reset [tenant]",
		Short: "Zero usage counters",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tenantID string
			if len(args) == 1 {
				tenantID = args[0]
			}
			t, ok := license.ParseUsageType(usageType)
			if usageType != "" && !ok {
				return fmt.Errorf("unknown usage type %q", usageType)
			}
			return c.run(func(ctx context.Context, d deps) error {
				if async {
					info, err := usage.EnqueueReset(ctx, d.Enqueuer, usage.ResetPayload{TenantID: tenantID, ModuleKey: moduleKey, UsageType: t})
					if err != nil {
						return err
					}
					return c.print(map[string]string{"taskId": info.ID, "queue": info.Queue})
				}
				n, err := d.Usage.ResetUsage(ctx, license.ResetFilter{TenantID: tenantID, ModuleKey: moduleKey, UsageType: t}, cliActor)
				if err != nil {
					return err
				}
				return c.print(map[string]int64{"counters": n})
			})
		},
	}
	reset.Flags().StringVar(&moduleKey, "module", "", "only this module")
	reset.Flags().StringVar(&usageType, "type", "", "only this usage type")
	reset.Flags().BoolVar(&async, "async", false, "enqueue the reset on the task queue (requires --type)")

	cmd.AddCommand(show, track, reset)
	return cmd
}

func auditCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Read and verify a tenant's audit trail"}

	var (
		limit  int
		cursor string
	)
	logCmd := &cobra.Command{
		Use:   "log <tenant>",
		Short: "Print audit entries, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, d deps) error {
				entries, info, err := d.Audit.ListAuditLog(ctx, args[0], pagination.Pagination{Cursor: cursor, Limit: limit})
				if err != nil {
					return err
				}
				return c.print(struct {
					Entries  []audit.Entry        `json:"entries"`
					PageInfo *pagination.PageInfo `json:"pageInfo"`
				}{entries, info})
			})
		},
	}
	logCmd.Flags().IntVar(&limit, "limit", pagination.DefaultLimit, "entries per page")
	logCmd.Flags().StringVar(&cursor, "cursor", "", "next_cursor from a previous page")

	stats := &cobra.Command{
		Use:   "stats <tenant>",
		Short: "Count audit entries by event type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, d deps) error {
				s, err := d.Audit.GetAuditStatistics(ctx, args[0])
				if err != nil {
					return err
				}
				return c.print(s)
			})
		},
	}

	verify := &cobra.Command{
		Use:   "verify <tenant>",
		Short: "Recompute the hash chain and report tampering",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, d deps) error {
				res, err := d.Audit.VerifyChain(ctx, args[0])
				if err != nil {
					return err
				}
				if err := c.print(res); err != nil {
					return err
				}
				if !res.Valid {
					return fmt.Errorf("audit chain broken: %s", res.Reason)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(logCmd, stats, verify)
	return cmd
}
