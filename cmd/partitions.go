package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	goswcache "github.com/dgduncan/go-sw-cache"
)

func newPartitionsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "partitions",
		Short: "List stored partitions and their entry counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}

			logger := newLogger(s.LogLevel)
			storage, release, err := openStorage(cmd.Context(), s, logger)
			if err != nil {
				return err
			}
			defer release()

			api, origin, err := s.urls()
			if err != nil {
				return err
			}
			router, err := goswcache.NewRouter(goswcache.DefaultRoutes(api, origin)...)
			if err != nil {
				return err
			}

			return listPartitions(cmd.Context(), cmd.OutOrStdout(), storage, router)
		},
	}
}

func listPartitions(ctx context.Context, out io.Writer, storage goswcache.Storage, router *goswcache.Router) error {
	names, err := storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PARTITION\tENTRIES\tMAX ENTRIES\tMAX AGE")

	for _, name := range names {
		c, err := storage.Open(ctx, name)
		if err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}

		entries, err := c.Entries(ctx)
		if err != nil {
			return fmt.Errorf("entries %s: %w", name, err)
		}

		maxEntries, maxAge := "-", "-"
		if exp := router.Expiration(name); exp != nil {
			if exp.MaxEntries > 0 {
				maxEntries = fmt.Sprint(exp.MaxEntries)
			}
			if exp.MaxAge > 0 {
				maxAge = exp.MaxAge.String()
			}
		}

		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", name, len(entries), maxEntries, maxAge)
	}

	return w.Flush()
}
