package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"macke/internal/cgroups"
	"macke/internal/config"
)

type cgroupsFlags struct {
	configPath string
	threads    int
	usergroup  string
}

func newCgroupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cgroups",
		Short: "Manage the memory control groups of the fuzzing workers",
	}
	cmd.AddCommand(newCgroupsInitCmd(&cgroupsFlags{}))
	return cmd
}

func newCgroupsInitCmd(f *cgroupsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create one memory control group per worker (usually needs root)",
		Long: `init creates the groups mackefuzzer_0 to mackefuzzer_<n-1> with cgcreate,
hands them to the given user and group and sets the configured memory limit.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := initCgroups(cmd.Context(), f)
			if err != nil {
				fmt.Fprintf(os.Stderr, "macke: %v\n", err)
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.configPath, "config", os.Getenv("MACKE_CONFIG"), "YAML file with the cgroup root and memory limit")
	flags.IntVar(&f.threads, "threads", 0, "number of groups (default: configured thread count)")
	flags.StringVar(&f.usergroup, "user", "", "owner of the groups as <user>:<group>")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func initCgroups(ctx context.Context, f *cgroupsFlags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	n := f.threads
	if n <= 0 {
		n = cfg.ThreadCount()
	}
	return cgroups.NewPool(cfg, n).Initialize(ctx, f.usergroup)
}
