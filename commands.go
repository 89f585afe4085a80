package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/breez/field-sync/engine"
	"github.com/spf13/cobra"
)

var (
	statusJSON bool

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the signed in user and the local records waiting for a push",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}

	writeCmd = &cobra.Command{
		Use:   "write <id> <soilData|metadata> <json>",
		Short: "Store a local edit of a record",
		Args:  cobra.ExactArgs(3),
		RunE:  runWrite,
	}

	pushCmd = &cobra.Command{
		Use:   "push",
		Short: "Push dirty records once",
		Args:  cobra.NoArgs,
		RunE:  runPush,
	}

	pullCmd = &cobra.Command{
		Use:   "pull",
		Short: "Pull and merge remote changes once",
		Args:  cobra.NoArgs,
		RunE:  runPull,
	}

	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Sign out and delete all local state",
		Args:  cobra.NoArgs,
		RunE:  runReset,
	}
)

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output status as JSON")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	n, err := openNode(ctx, cfg, nil, nil)
	if err != nil {
		return err
	}
	defer n.Close()
	if cfg.AccountKey != "" {
		if _, err := n.login(ctx, cfg); err != nil {
			return err
		}
	}

	status, err := n.engine.Status(ctx)
	if err != nil {
		return err
	}
	if statusJSON {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(status); err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
		return nil
	}
	printStatus(cmd.OutOrStdout(), status)
	return nil
}

func printStatus(out io.Writer, status engine.Status) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	user := status.UserID
	if user == "" {
		user = "(signed out)"
	}
	_, _ = fmt.Fprintf(w, "User:\t%s\n", user)
	_, _ = fmt.Fprintf(w, "Records:\t%d\n", status.Records)
	_, _ = fmt.Fprintf(w, "Dirty:\t%d\t%s\n", len(status.Dirty), strings.Join(status.Dirty, ","))
	rejected := make([]string, 0, len(status.Rejected))
	for id := range status.Rejected {
		rejected = append(rejected, id)
	}
	sort.Strings(rejected)
	for _, id := range rejected {
		failure := status.Rejected[id]
		_, _ = fmt.Fprintf(w, "Rejected:\t%s@%d\t%s\n", id, failure.Revision, failure.Reason)
	}
	_, _ = fmt.Fprintf(w, "Pull cursor:\t%d\n", status.Cursor)
	if status.LastSyncedAt != nil {
		_, _ = fmt.Fprintf(w, "Last synced:\t%s\n", status.LastSyncedAt.Format(time.RFC3339))
	}
}

func runWrite(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if !json.Valid([]byte(args[2])) {
		return fmt.Errorf("content is not valid JSON")
	}
	n, err := openNode(ctx, cfg, nil, nil)
	if err != nil {
		return err
	}
	defer n.Close()

	datum, err := n.engine.Write(ctx, args[0], args[1], json.RawMessage(args[2]))
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s at revision %s\n", args[0], datum.Revision)
	return nil
}

func runPush(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	n, err := openNode(ctx, cfg, nil, nil)
	if err != nil {
		return err
	}
	defer n.Close()
	if _, err := n.login(ctx, cfg); err != nil {
		return err
	}

	result, err := n.engine.PushNow(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "pushed %d records: %s\n", len(result.Synced), strings.Join(result.Synced, ","))
	return nil
}

func runPull(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	n, err := openNode(ctx, cfg, nil, nil)
	if err != nil {
		return err
	}
	defer n.Close()
	if _, err := n.login(ctx, cfg); err != nil {
		return err
	}

	result, err := n.engine.PullNow(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "applied %d, deferred %d, stale %d, rejected %d, cursor %d\n",
		len(result.Applied), len(result.Deferred), len(result.Stale), len(result.Rejected), result.Cursor)
	return nil
}

func runReset(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	n, err := openNode(ctx, cfg, nil, nil)
	if err != nil {
		return err
	}
	defer n.Close()
	if err := n.engine.Logout(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "local state deleted")
	return nil
}
