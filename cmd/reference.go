package main

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/zzenonn/zref/internal/domain"
	"github.com/zzenonn/zref/internal/service"
)

var referenceCmd = &cobra.Command{
	Use:     "reference",
	Aliases: []string{"ref"},
	Short:   "Add, remove and list file references",
}

var referenceAddCmd = &cobra.Command{
	Use:   "add [origin]",
	Short: "Reference a file for owners on a storage location",
	Long: `Reference a file for owners on a storage location.

The origin is a local path or a file://, s3:// or gs:// url. For local files the
checksum, size, name and mime type are computed unless given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		owners, _ := flags.GetStringSlice("owner")
		destination, _ := flags.GetString("storage")
		originStorage, _ := flags.GetString("origin-storage")
		subDir, _ := flags.GetString("subdir")
		group, _ := flags.GetString("group")

		meta := domain.FileReferenceMetaInfo{}
		meta.Checksum, _ = flags.GetString("checksum")
		meta.Algorithm, _ = flags.GetString("algorithm")
		meta.FileName, _ = flags.GetString("name")
		meta.FileSize, _ = flags.GetInt64("size")
		meta.MimeType, _ = flags.GetString("mime")
		meta.Type, _ = flags.GetString("type")

		origin := args[0]
		if !strings.Contains(origin, "://") {
			abs, err := filepath.Abs(origin)
			if err != nil {
				return err
			}
			if err := describeLocalFile(abs, &meta); err != nil {
				return err
			}
			origin = "file://" + filepath.ToSlash(abs)
		}
		if meta.FileName == "" {
			meta.FileName = filepath.Base(origin)
		}
		if meta.MimeType == "" {
			meta.MimeType = mimeType(meta.FileName)
		}

		req, err := zref.References.AddFileReference(cmd.Context(), service.StoreInput{
			Owners:        owners,
			MetaInfo:      meta,
			OriginStorage: originStorage,
			OriginURL:     origin,
			Destination:   destination,
			SubDirectory:  subDir,
			GroupID:       group,
		})
		if err != nil {
			return fmt.Errorf("failed to add reference: %w", err)
		}
		if req == nil {
			fmt.Printf("File %s referenced on %s\n", meta.Checksum, destination)
			return nil
		}
		return printYAML(req)
	},
}

// describeLocalFile fills the checksum and size of meta from the file at path.
func describeLocalFile(path string, meta *domain.FileReferenceMetaInfo) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening file: %w", err)
	}
	defer f.Close()

	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return fmt.Errorf("error reading file: %w", err)
	}
	if meta.Checksum == "" {
		meta.Checksum = hex.EncodeToString(h.Sum(nil))
		meta.Algorithm = "MD5"
	}
	if meta.FileSize == 0 {
		meta.FileSize = n
	}
	return nil
}

func mimeType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

var referenceRemoveCmd = &cobra.Command{
	Use:   "remove [checksum]",
	Short: "Remove an owner from a file reference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, _ := cmd.Flags().GetString("storage")
		owner, _ := cmd.Flags().GetString("owner")
		force, _ := cmd.Flags().GetBool("force")
		if err := zref.References.RemoveOwner(cmd.Context(), args[0], storage, owner, force); err != nil {
			return fmt.Errorf("failed to remove owner: %w", err)
		}
		fmt.Printf("Owner %s removed from %s on %s\n", owner, args[0], storage)
		return nil
	},
}

var referenceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the references of a checksum or of a storage location",
	RunE: func(cmd *cobra.Command, args []string) error {
		checksum, _ := cmd.Flags().GetString("checksum")
		storage, _ := cmd.Flags().GetString("storage")

		var (
			refs []domain.FileReference
			err  error
		)
		switch {
		case checksum != "" && storage != "":
			var ref domain.FileReference
			ref, err = zref.References.FindByStorageAndChecksum(cmd.Context(), storage, checksum)
			refs = []domain.FileReference{ref}
		case checksum != "":
			refs, err = zref.References.FindByChecksum(cmd.Context(), checksum)
		case storage != "":
			refs, err = zref.References.FindByStorage(cmd.Context(), storage)
		default:
			return fmt.Errorf("--checksum or --storage is required")
		}
		if err != nil {
			return err
		}
		return printYAML(refs)
	},
}

var availableCmd = &cobra.Command{
	Use:   "available [checksum...]",
	Short: "Make files readable, restoring them into the cache when needed",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hours, _ := cmd.Flags().GetInt("hours")
		group, _ := cmd.Flags().GetString("group")
		if hours <= 0 {
			hours = cfg.Cache.ExpirationHours
		}
		expiration := zref.Clock.Now().Add(time.Duration(hours) * time.Hour)
		report, err := zref.Availability.MakeAvailable(cmd.Context(), args, expiration, group)
		if err != nil {
			return err
		}
		return printYAML(report)
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download [checksum] [output-path]",
	Short: "Download a file from the best reachable location",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		checksum, outputPath := args[0], args[1]
		quiet, _ := cmd.Flags().GetBool("quiet")

		reader, meta, err := zref.Availability.Download(cmd.Context(), checksum)
		if err != nil {
			return fmt.Errorf("error downloading file: %w", err)
		}
		defer reader.Close()

		// If output path is a directory, use the file name of the reference
		if stat, err := os.Stat(outputPath); err == nil && stat.IsDir() {
			outputPath = filepath.Join(outputPath, meta.FileName)
		}
		if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
			return fmt.Errorf("error creating output directory: %w", err)
		}
		outFile, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("error creating output file: %w", err)
		}
		defer outFile.Close()

		var dst io.Writer = outFile
		if !quiet {
			dst = io.MultiWriter(outFile, progressbar.DefaultBytes(meta.FileSize, "downloading"))
		}
		if _, err := io.Copy(dst, reader); err != nil {
			return fmt.Errorf("error writing file: %w", err)
		}
		fmt.Printf("File downloaded successfully: %s -> %s\n", checksum, outputPath)
		return nil
	},
}

var copyCmd = &cobra.Command{
	Use:   "copy [checksum]",
	Short: "Copy a referenced file to another storage location",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		destination, _ := cmd.Flags().GetString("to")
		subDir, _ := cmd.Flags().GetString("subdir")
		owners, _ := cmd.Flags().GetStringSlice("owner")
		group, _ := cmd.Flags().GetString("group")

		req, err := zref.Ledgers.Copy.Create(cmd.Context(), service.CopyInput{
			Checksum:     args[0],
			Destination:  destination,
			SubDirectory: subDir,
			Owners:       owners,
		}, group)
		if err != nil {
			return fmt.Errorf("failed to queue copy: %w", err)
		}
		if req == nil {
			fmt.Printf("%s already holds %s\n", destination, args[0])
			return nil
		}
		return printYAML(req)
	},
}

func init() {
	add := referenceAddCmd.Flags()
	add.StringSlice("owner", nil, "owner of the reference (repeatable)")
	add.String("storage", "", "destination storage location")
	add.String("origin-storage", "", "location already holding the origin url")
	add.String("subdir", "", "sub-directory on the destination")
	add.String("group", "", "group id reported on the resulting events")
	add.String("checksum", "", "checksum of the file (computed for local files)")
	add.String("algorithm", "MD5", "checksum algorithm")
	add.String("name", "", "file name (defaults to the origin base name)")
	add.Int64("size", 0, "file size in bytes (computed for local files)")
	add.String("mime", "", "mime type (guessed from the extension)")
	add.String("type", "", "free form file type")
	_ = referenceAddCmd.MarkFlagRequired("owner")
	_ = referenceAddCmd.MarkFlagRequired("storage")

	referenceRemoveCmd.Flags().String("storage", "", "storage location of the reference")
	referenceRemoveCmd.Flags().String("owner", "", "owner to remove")
	referenceRemoveCmd.Flags().Bool("force", false, "treat a failed physical deletion as done")
	_ = referenceRemoveCmd.MarkFlagRequired("storage")
	_ = referenceRemoveCmd.MarkFlagRequired("owner")

	referenceListCmd.Flags().String("checksum", "", "list the references of this checksum")
	referenceListCmd.Flags().String("storage", "", "list the references on this location")

	availableCmd.Flags().Int("hours", 0, "hours the files stay in the cache (default cache.expiration_hours)")
	availableCmd.Flags().String("group", "", "availability group id")

	downloadCmd.Flags().BoolP("quiet", "q", false, "Suppress progress bars")

	copyCmd.Flags().String("to", "", "destination storage location")
	copyCmd.Flags().String("subdir", "", "sub-directory on the destination")
	copyCmd.Flags().StringSlice("owner", nil, "owners of the copy (default the source owners)")
	copyCmd.Flags().String("group", "", "group id reported on the COPIED event")
	_ = copyCmd.MarkFlagRequired("to")

	referenceCmd.AddCommand(referenceAddCmd, referenceRemoveCmd, referenceListCmd)
	rootCmd.AddCommand(referenceCmd, availableCmd, downloadCmd, copyCmd)
}
