package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zzenonn/zref/internal/repository/objectstore"
)

var locationCmd = &cobra.Command{
	Use:   "location",
	Short: "Inspect the configured storage locations",
}

var locationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the configured storage locations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printYAML(zref.Registry.List())
	},
}

var locationDiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List the S3 buckets tagged as storage locations",
	Long:  "List the S3 buckets carrying the zref:location tag, ready to paste into the locations section of the config.",
	RunE: func(cmd *cobra.Command, args []string) error {
		buckets, err := objectstore.NewTaggedBucketDiscoverer(cfg.AwsConfig).Discover(cmd.Context())
		if err != nil {
			return err
		}
		return printYAML(buckets)
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the local restoration cache",
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete the expired cache files",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := zref.Cache.Purge(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d expired cache files\n", n)
		return nil
	},
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cache usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		used, err := zref.Cache.UsedBytes(cmd.Context())
		if err != nil {
			return err
		}
		capacity := zref.Cache.Capacity()
		return printYAML(map[string]string{
			"dir":      cfg.Cache.Dir,
			"capacity": humanize.Bytes(uint64(capacity)),
			"used":     humanize.Bytes(uint64(max(used, 0))),
			"free":     humanize.Bytes(uint64(max(capacity-used, 0))),
		})
	},
}

func init() {
	locationCmd.AddCommand(locationListCmd, locationDiscoverCmd)
	cacheCmd.AddCommand(cachePurgeCmd, cacheStatusCmd)
	rootCmd.AddCommand(locationCmd, cacheCmd)
}
