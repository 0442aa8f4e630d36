package main

import (
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ndlib/bcat/fetch"
	"github.com/ndlib/bcat/publish"
	"github.com/ndlib/bcat/store"
)

func publishCommand() *cobra.Command {
	var (
		formats  []string
		flavors  []string
		dists    []string
		archive  bool
		version  int64
		location string
	)
	cmd := &cobra.Command{
		Use:   "publish <catalog id> <bundle name> <directory>",
		Short: "Publish a directory as a new version of a bundle",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := parseFlavors(flavors)
			if err != nil {
				return err
			}
			for _, f := range formats {
				if f != fetch.FormatRaw && !fetch.Encoded(f) {
					return errors.Errorf("unknown format %s", f)
				}
			}
			fs := afero.NewOsFs()
			dst, err := parselocation(fs, location, "")
			if err != nil {
				return err
			}
			m, err := publish.Bundle(fs, args[2], dst, args[0], args[1], publish.Options{
				Formats:       formats,
				Flavors:       rules.names(),
				FlavorOf:      rules.flavorOf,
				Version:       version,
				Distributions: dists,
				Archive:       archive,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %d, %d files\n", m.BundleID(), m.Version(), m.FileCount())
			return nil
		},
	}
	cmd.Flags().StringVarP(&location, "catalogs", "d", ".", "location of the catalog store")
	cmd.Flags().StringSliceVarP(&formats, "format", "f", []string{fetch.FormatRaw}, "formats to store each file in")
	cmd.Flags().StringArrayVar(&flavors, "flavor", nil, "flavor rule name=glob[,glob...]; may repeat")
	cmd.Flags().StringSliceVar(&dists, "dist", nil, "distribution labels to point at the new version")
	cmd.Flags().BoolVar(&archive, "archive", false, "also write a zip archive of the objects")
	cmd.Flags().Int64Var(&version, "version", 0, "version to publish; default is one past the latest")
	return cmd
}

func distributeCommand() *cobra.Command {
	var location string
	cmd := &cobra.Command{
		Use:   "distribute <catalog id> <bundle name> <label> <version>",
		Short: "Point a distribution label at a published version",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseInt(args[3], 10, 64)
			if err != nil {
				return err
			}
			dst, err := parselocation(afero.NewOsFs(), location, "")
			if err != nil {
				return err
			}
			return publish.SetDistribution(dst, args[0], args[1], args[2], version)
		},
	}
	cmd.Flags().StringVarP(&location, "catalogs", "d", ".", "location of the catalog store")
	return cmd
}

func inspectCommand() *cobra.Command {
	var location string
	cmd := &cobra.Command{
		Use:   "inspect <catalog id>",
		Short: "Describe a catalog in a catalog store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := parselocation(afero.NewOsFs(), location, "")
			if err != nil {
				return err
			}
			return inspect(cmd.OutOrStdout(), s, args[0])
		},
	}
	cmd.Flags().StringVarP(&location, "catalogs", "d", ".", "location of the catalog store")
	return cmd
}

func inspect(out io.Writer, s store.Store, catalogID string) error {
	idx, err := publish.ReadIndex(s, catalogID)
	if err != nil {
		return err
	}
	cs := store.ForCatalog(s, catalogID)
	objects, err := cs.ListPrefix("objects/")
	if err != nil {
		return err
	}
	archives, err := cs.ListPrefix("archives/")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "catalog %s: %d bundles, %d objects, %d archives\n",
		catalogID, len(idx.Bundles()), len(objects), len(archives))
	for _, b := range idx.Bundles() {
		var parts []string
		for _, label := range idx.Distributions(b) {
			v, _ := idx.Distribution(b, label)
			parts = append(parts, fmt.Sprintf("%s=%d", label, v))
		}
		fmt.Fprintf(out, "  %s versions %v %s\n", b, idx.Versions(b), strings.Join(parts, " "))
	}
	return nil
}

// flavorRules maps a flavor name to the glob patterns of its files.
type flavorRules map[string][]string

// parseFlavors reads rules of the form "name=glob[,glob...]".
func parseFlavors(rules []string) (flavorRules, error) {
	result := make(flavorRules)
	for _, rule := range rules {
		i := strings.IndexByte(rule, '=')
		if i <= 0 || i == len(rule)-1 {
			return nil, errors.Errorf("bad flavor rule %q", rule)
		}
		for _, glob := range strings.Split(rule[i+1:], ",") {
			if _, err := path.Match(glob, ""); err != nil {
				return nil, errors.Wrapf(err, "flavor rule %q", rule)
			}
			result[rule[:i]] = append(result[rule[:i]], glob)
		}
	}
	return result, nil
}

func (fr flavorRules) names() []string {
	var result []string
	for name := range fr {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// flavorOf returns the flavors with a pattern matching p or its base name.
func (fr flavorRules) flavorOf(p string) []string {
	var result []string
	for name, globs := range fr {
		for _, glob := range globs {
			ok1, _ := path.Match(glob, p)
			ok2, _ := path.Match(glob, path.Base(p))
			if ok1 || ok2 {
				result = append(result, name)
				break
			}
		}
	}
	sort.Strings(result)
	return result
}
