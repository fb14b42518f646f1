package main

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/zzenonn/zref/internal/domain"
	"github.com/zzenonn/zref/internal/repository"
	"github.com/zzenonn/zref/internal/service"
)

// ledgerOps are the operations the request commands run on any ledger.
type ledgerOps struct {
	search          func(ctx context.Context, filter repository.RequestFilter) (any, error)
	retry           func(ctx context.Context, id string) (any, error)
	retryByOwners   func(ctx context.Context, owners []string) (int, error)
	retryByGroup    func(ctx context.Context, group string) (int, error)
	delete          func(ctx context.Context, id string) error
	deleteByStorage func(ctx context.Context, storage string, statuses ...domain.RequestStatus) (int, error)
}

type ledgerLike[T domain.Request] interface {
	Search(ctx context.Context, filter repository.RequestFilter) ([]T, error)
	Retry(ctx context.Context, id string) (T, error)
	RetryByOwners(ctx context.Context, owners []string) (int, error)
	RetryByGroup(ctx context.Context, groupID string) (int, error)
	Delete(ctx context.Context, id string) error
	DeleteByStorage(ctx context.Context, storage string, statuses ...domain.RequestStatus) (int, error)
}

func opsFor[T domain.Request](l ledgerLike[T]) ledgerOps {
	return ledgerOps{
		search: func(ctx context.Context, filter repository.RequestFilter) (any, error) {
			return l.Search(ctx, filter)
		},
		retry: func(ctx context.Context, id string) (any, error) {
			return l.Retry(ctx, id)
		},
		retryByOwners:   l.RetryByOwners,
		retryByGroup:    l.RetryByGroup,
		delete:          l.Delete,
		deleteByStorage: l.DeleteByStorage,
	}
}

func ledgerFor(ledgers service.Ledgers, kind domain.RequestKind) ledgerOps {
	switch kind {
	case domain.KindDeletion:
		return opsFor[*domain.DeletionRequest](ledgers.Deletion)
	case domain.KindRestoration:
		return opsFor[*domain.CacheRequest](ledgers.Restoration)
	case domain.KindCopy:
		return opsFor[*domain.CopyRequest](ledgers.Copy)
	default:
		return opsFor[*domain.StorageRequest](ledgers.Storage)
	}
}

func kindFlag(cmd *cobra.Command) (domain.RequestKind, error) {
	value, _ := cmd.Flags().GetString("kind")
	kind := domain.RequestKind(value)
	if !slices.Contains(domain.RequestKinds, kind) {
		return "", fmt.Errorf("unknown request kind %q, want one of %v", value, domain.RequestKinds)
	}
	return kind, nil
}

func statusesFlag(cmd *cobra.Command) ([]domain.RequestStatus, error) {
	values, _ := cmd.Flags().GetStringSlice("status")
	var statuses []domain.RequestStatus
	for _, v := range values {
		status, ok := domain.ParseRequestStatus(v)
		if !ok {
			return nil, fmt.Errorf("unknown request status %q", v)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Inspect and manage the request ledgers",
}

var requestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the requests of one ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := kindFlag(cmd)
		if err != nil {
			return err
		}
		statuses, err := statusesFlag(cmd)
		if err != nil {
			return err
		}
		filter := repository.RequestFilter{Statuses: statuses}
		filter.Storage, _ = cmd.Flags().GetString("storage")
		filter.Owner, _ = cmd.Flags().GetString("owner")
		filter.GroupID, _ = cmd.Flags().GetString("group")
		if checksum, _ := cmd.Flags().GetString("checksum"); checksum != "" {
			filter.Checksums = []string{checksum}
		}

		requests, err := ledgerFor(zref.Ledgers, kind).search(cmd.Context(), filter)
		if err != nil {
			return err
		}
		return printYAML(requests)
	},
}

var requestRetryCmd = &cobra.Command{
	Use:   "retry [id...]",
	Short: "Return errored requests to TODO",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := kindFlag(cmd)
		if err != nil {
			return err
		}
		ops := ledgerFor(zref.Ledgers, kind)
		owners, _ := cmd.Flags().GetStringSlice("owner")
		group, _ := cmd.Flags().GetString("group")

		switch {
		case len(args) > 0:
			for _, id := range args {
				if _, err := ops.retry(cmd.Context(), id); err != nil {
					return fmt.Errorf("failed to retry %s: %w", id, err)
				}
			}
			fmt.Printf("Retried %d %s requests\n", len(args), kind)
		case len(owners) > 0:
			n, err := ops.retryByOwners(cmd.Context(), owners)
			if err != nil {
				return err
			}
			fmt.Printf("Retried %d %s requests\n", n, kind)
		case group != "":
			n, err := ops.retryByGroup(cmd.Context(), group)
			if err != nil {
				return err
			}
			fmt.Printf("Retried %d %s requests\n", n, kind)
		default:
			return fmt.Errorf("request ids, --owner or --group is required")
		}
		return nil
	},
}

var requestDeleteCmd = &cobra.Command{
	Use:   "delete [id...]",
	Short: "Delete requests by id, or every request of a storage location",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := kindFlag(cmd)
		if err != nil {
			return err
		}
		ops := ledgerFor(zref.Ledgers, kind)
		storage, _ := cmd.Flags().GetString("storage")

		if len(args) > 0 {
			for _, id := range args {
				if err := ops.delete(cmd.Context(), id); err != nil {
					return fmt.Errorf("failed to delete %s: %w", id, err)
				}
			}
			fmt.Printf("Deleted %d %s requests\n", len(args), kind)
			return nil
		}
		if storage == "" {
			return fmt.Errorf("request ids or --storage is required")
		}
		statuses, err := statusesFlag(cmd)
		if err != nil {
			return err
		}
		n, err := ops.deleteByStorage(cmd.Context(), storage, statuses...)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d %s requests of %s\n", n, kind, storage)
		return nil
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run dispatch passes and wait for their jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		passes, _ := cmd.Flags().GetInt("passes")
		var total service.DispatchReport
		for i := 0; i < passes; i++ {
			report := zref.Dispatcher.RunOnce(cmd.Context())
			zref.Runner.Wait()
			total.Dispatched += report.Dispatched
			total.Errored += report.Errored
			total.Deferred += report.Deferred
			total.Jobs += report.Jobs
			if report.Jobs == 0 {
				break
			}
		}
		return printYAML(total)
	},
}

func init() {
	for _, c := range []*cobra.Command{requestListCmd, requestRetryCmd, requestDeleteCmd} {
		c.Flags().String("kind", string(domain.KindStorage), "ledger: storage, deletion, restoration or copy")
	}
	requestListCmd.Flags().String("storage", "", "only requests of this location")
	requestListCmd.Flags().StringSlice("status", nil, "only requests in these statuses")
	requestListCmd.Flags().String("owner", "", "only requests of this owner")
	requestListCmd.Flags().String("group", "", "only requests of this group")
	requestListCmd.Flags().String("checksum", "", "only requests of this checksum")

	requestRetryCmd.Flags().StringSlice("owner", nil, "retry the errored requests of these owners")
	requestRetryCmd.Flags().String("group", "", "retry the errored requests of this group")

	requestDeleteCmd.Flags().String("storage", "", "delete the requests of this location")
	requestDeleteCmd.Flags().StringSlice("status", nil, "with --storage, only requests in these statuses")

	scheduleCmd.Flags().Int("passes", 1, "maximum passes; stops early once a pass submits no job")

	requestCmd.AddCommand(requestListCmd, requestRetryCmd, requestDeleteCmd)
	rootCmd.AddCommand(requestCmd, scheduleCmd)
}
