package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alem-hub/progression-engine/config"
)

type seedOptions struct {
	*rootOptions
	file string
	dir  string
}

func newSeedCommand(root *rootOptions) *cobra.Command {
	opts := &seedOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import course definitions into the database",
		Long: "Loads course YAML files, validates them, and replaces the stored graph of each course.\n" +
			"Learner progress on nodes that still exist is kept.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.file == "" && opts.dir == "" {
				return errors.New("one of --file or --dir is required")
			}
			if opts.cfg.Database.Driver == config.DriverMemory {
				opts.log.Warn("seeding the memory driver has no lasting effect; set COURSE_DIR for serve instead")
			}

			ctx := cmd.Context()
			st, err := openStores(ctx, opts.cfg, opts.log)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.migrate(ctx, opts.log); err != nil {
				return err
			}
			n, err := importCourses(ctx, st.writer, opts.dir, opts.file, opts.log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d course(s)\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "course YAML file")
	cmd.Flags().StringVarP(&opts.dir, "dir", "d", "", "directory of course YAML files")
	return cmd
}
