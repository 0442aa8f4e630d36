package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/facebookgo/stats"
	"github.com/getsentry/raven-go"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ndlib/bcat/fetch"
	"github.com/ndlib/bcat/index"
	"github.com/ndlib/bcat/repo"
	"github.com/ndlib/bcat/task"
)

func setupSentry(cfg *Config) {
	if cfg.Sentry.DSN == "" {
		return
	}
	if err := raven.SetDSN(cfg.Sentry.DSN); err != nil {
		log.Println("sentry:", err)
	}
}

func openDB(cfg *Config) (index.DB, error) {
	if cfg.Database.MySQL != "" {
		log.Printf("Using MySQL")
		return index.NewMySQL(cfg.Database.MySQL)
	}
	path := cfg.qlPath()
	log.Printf("Using internal database at %s", path)
	return index.NewQL(path)
}

// openRepo opens the repo the configuration describes. The returned
// function closes it and its database.
func openRepo(cfg *Config, refresh bool, st stats.Client) (*repo.Repo, func(), error) {
	fs := afero.NewOsFs()
	root := cfg.Repo.Root
	if err := fs.MkdirAll(root, 0755); err != nil {
		return nil, nil, err
	}
	opts := sourceOptions{
		Fs:        fs,
		TempDir:   filepath.Join(root, "tmp"),
		Token:     cfg.Fetch.Token,
		RateLimit: cfg.Fetch.RateLimit,
		Stats:     st,
	}
	sources := make(map[string]fetch.Source)
	for id, location := range cfg.Sources {
		src, err := parsesource(location, opts)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "source %s", id)
		}
		sources[id] = src
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	rc := repo.Config{
		Root:             root,
		Fs:               fs,
		Sources:          sources,
		DB:               db,
		Flavor:           cfg.Repo.Flavor,
		Formats:          cfg.Repo.Formats,
		Concurrency:      cfg.Repo.Concurrency,
		ArchiveThreshold: cfg.Repo.ArchiveThreshold,
		Stats:            st,
	}
	if refresh {
		rc.RefreshInterval = cfg.Repo.RefreshInterval.Duration
	}
	r, err := repo.New(rc)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return r, func() {
		r.Close()
		db.Close()
	}, nil
}

// withRepo loads the configuration and runs fn with the repo.
func withRepo(fn func(r *repo.Repo, out io.Writer) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configFile, configSet)
		if err != nil {
			return err
		}
		setupSentry(cfg)
		r, closer, err := openRepo(cfg, false, nil)
		if err != nil {
			return err
		}
		defer closer()
		return fn(r, cmd.OutOrStdout())
	}
}

// wait blocks until t is terminal, cancelling it on an interrupt, and then
// prints its report.
func wait(t *task.Task, out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := t.Wait(ctx); err != nil {
		log.Println("interrupted, cancelling", t.Title())
		t.Cancel()
		<-t.Done()
	}
	for _, e := range t.AllEvents() {
		fmt.Fprintln(out, e)
	}
	errs := t.AllErrors()
	switch {
	case t.IsCancelled():
		return errors.Errorf("%s was cancelled", t.Title())
	case len(errs) > 0:
		return errors.Errorf("%s: %d errors, first: %s", t.Title(), len(errs), errs[0])
	}
	return nil
}

func ensureCommand() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "ensure <bundle id> [version]",
		Short: "Bring a bundle to a version, or to the version of a distribution",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 2) == (label != "") {
				return errors.New("give either a version or --label")
			}
			return withRepo(func(r *repo.Repo, out io.Writer) error {
				var t *task.Task
				var err error
				if label != "" {
					t, err = r.EnsureDistribution(args[0], label)
				} else {
					var version int64
					version, err = strconv.ParseInt(args[1], 10, 64)
					if err != nil {
						return err
					}
					t, err = r.EnsureVersion(args[0], version)
				}
				if err != nil {
					return err
				}
				return wait(t, out)
			})(cmd, args)
		},
	}
	cmd.Flags().StringVarP(&label, "label", "l", "", "distribution label to follow")
	return cmd
}

func verifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <bundle id>",
		Short: "Check the activated files of a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(r *repo.Repo, out io.Writer) error {
				t, err := r.Verify(args[0])
				if err != nil {
					return err
				}
				return wait(t, out)
			})(cmd, args)
		},
	}
}

func cleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove old bundle versions and unused objects",
		Args:  cobra.NoArgs,
		RunE: withRepo(func(r *repo.Repo, out io.Writer) error {
			t, err := r.Cleanup()
			if err != nil {
				return err
			}
			return wait(t, out)
		}),
	}
}

func trackCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "track <bundle id> <label>",
		Short: "Follow a distribution of a bundle when serving",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(r *repo.Repo, out io.Writer) error {
				return r.Track(args[0], args[1])
			})(cmd, args)
		},
	}
}

func untrackCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "untrack <bundle id>",
		Short: "Stop following a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(r *repo.Repo, out io.Writer) error {
				return r.Untrack(args[0])
			})(cmd, args)
		},
	}
}

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List the bundles of the repo",
		Args:  cobra.NoArgs,
		RunE: withRepo(func(r *repo.Repo, out io.Writer) error {
			statuses, err := r.Status()
			if err != nil {
				return err
			}
			printStatus(out, statuses)
			return nil
		}),
	}
}

func printStatus(out io.Writer, statuses []repo.Status) {
	tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "BUNDLE\tLABEL\tVERSION\tVERIFIED\tSTATUS")
	for _, st := range statuses {
		label := "-"
		if st.Tracked {
			label = st.Label
		}
		version := "-"
		if st.Version != index.NoVersion {
			version = strconv.FormatInt(st.Version, 10)
		}
		checked, status := "-", "-"
		if v := st.LastVerify; v != nil {
			checked = v.Checked.Format("2006-01-02 15:04")
			status = v.Status
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", st.BundleID, label, version, checked, status)
	}
	tw.Flush()
}
