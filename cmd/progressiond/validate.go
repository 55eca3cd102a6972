package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/infrastructure/coursedef"
)

// CourseReport is the validation outcome for one course or file.
type CourseReport struct {
	Source      string   `json:"source"`
	Course      string   `json:"course,omitempty"`
	Nodes       int      `json:"nodes"`
	Edges       int      `json:"edges"`
	EntryPoints []string `json:"entry_points,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// ValidationReport holds every course checked by one run.
type ValidationReport struct {
	Valid   bool           `json:"valid"`
	Courses []CourseReport `json:"courses"`
}

var errValidationFailed = errors.New("validation failed")

type validateOptions struct {
	*rootOptions
	stored bool
	asJSON bool
}

func newValidateCommand(root *rootOptions) *cobra.Command {
	opts := &validateOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Check course definitions for structural errors and cycles",
		Long: `Validate course YAML files or directories without importing them.

With --stored, every course already in the database is loaded and checked
for dependency cycles instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.stored && len(args) == 0 {
				return errors.New("give at least one path, or --stored")
			}

			var report ValidationReport
			if opts.stored {
				reports, err := validateStored(cmd.Context(), opts.rootOptions)
				if err != nil {
					return err
				}
				report.Courses = append(report.Courses, reports...)
			}
			for _, path := range args {
				report.Courses = append(report.Courses, validatePath(path)...)
			}

			report.Valid = true
			for _, c := range report.Courses {
				if c.Error != "" {
					report.Valid = false
				}
			}
			if err := writeReport(cmd.OutOrStdout(), report, opts.asJSON); err != nil {
				return err
			}
			if !report.Valid {
				return errValidationFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.stored, "stored", false, "validate courses stored in the database")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the report as JSON")
	return cmd
}

// validatePath checks one file, or every course file in a directory.
func validatePath(path string) []CourseReport {
	info, err := os.Stat(path)
	if err != nil {
		return []CourseReport{{Source: path, Error: err.Error()}}
	}
	if !info.IsDir() {
		g, err := coursedef.Load(path)
		return []CourseReport{reportFor(path, g, err)}
	}

	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, _ := filepath.Glob(filepath.Join(path, pattern))
		files = append(files, matches...)
	}
	sort.Strings(files)
	if len(files) == 0 {
		return []CourseReport{{Source: path, Error: "no course files found"}}
	}

	// Every file is reported, not just the first failure.
	reports := make([]CourseReport, 0, len(files))
	seen := make(map[string]string, len(files))
	for _, f := range files {
		g, err := coursedef.Load(f)
		r := reportFor(f, g, err)
		if prev, dup := seen[r.Course]; dup && err == nil {
			r.Error = fmt.Sprintf("course %s already defined in %s", r.Course, prev)
		} else if err == nil {
			seen[r.Course] = f
		}
		reports = append(reports, r)
	}
	return reports
}

func validateStored(ctx context.Context, opts *rootOptions) ([]CourseReport, error) {
	st, err := openStores(ctx, opts.cfg, opts.log)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	if err := st.loadCourseDir(ctx, opts.cfg.Database.CourseDir, opts.log); err != nil {
		return nil, err
	}
	ids, err := st.courses.Courses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}

	reports := make([]CourseReport, 0, len(ids))
	for _, id := range ids {
		g, err := st.graphs.LoadGraph(ctx, id)
		if err == nil {
			if cycle := g.DetectCycle(); len(cycle) > 0 {
				err = &progression.CycleError{Path: cycle}
			}
		}
		reports = append(reports, reportFor("database", g, err))
	}
	return reports, nil
}

func reportFor(source string, g *progression.Graph, err error) CourseReport {
	r := CourseReport{Source: source}
	if g != nil {
		r.Course = g.CourseID()
		r.Nodes = g.Len()
		r.Edges = len(g.Edges())
		r.EntryPoints = g.EntryPoints()
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func writeReport(w io.Writer, report ValidationReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	for _, c := range report.Courses {
		name := c.Course
		if name == "" {
			name = c.Source
		}
		if c.Error != "" {
			fmt.Fprintf(w, "FAIL  %s: %s\n", name, c.Error)
			continue
		}
		fmt.Fprintf(w, "ok    %s (%d nodes, %d edges, entry: %s)\n",
			name, c.Nodes, c.Edges, strings.Join(c.EntryPoints, ", "))
	}
	if report.Valid {
		fmt.Fprintf(w, "%d course(s) valid\n", len(report.Courses))
	}
	return nil
}
