package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zepia/keygate/internal/keystore"
	"github.com/zepia/keygate/internal/model"
	"github.com/zepia/keygate/internal/service"
)

const timeLayout = "2006-01-02 15:04 MST"

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"keys"},
		Short:   "Manage access keys",
		Long:    "Issue, inspect, list and cancel access keys directly in the configured key store.",
	}

	cmd.AddCommand(newKeyIssueCmd())
	cmd.AddCommand(newKeyShowCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyCancelCmd())

	return cmd
}

// ---------- key issue ----------

func newKeyIssueCmd() *cobra.Command {
	var (
		email    string
		customer string
		notify   bool
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an access key, or renew the customer's existing one",
		Long: `Grant one subscription period by hand. A customer that already holds a key
has it renewed with the usual window rules; otherwise a new key is issued.
The billing product allow-list does not apply.`,
		Example: `  keygate key issue --email buyer@example.com --customer cus_123
  keygate key issue --email buyer@example.com --notify`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyIssue(cmd.OutOrStdout(), email, customer, notify)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Purchaser email (required)")
	cmd.Flags().StringVar(&customer, "customer", "", "Billing customer reference")
	cmd.Flags().BoolVar(&notify, "notify", false, "Send the configured key notification")
	cmd.MarkFlagRequired("email")

	return cmd
}

func runKeyIssue(out io.Writer, email, customer string, notify bool) error {
	email = strings.TrimSpace(email)
	if !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email address: %q", email)
	}

	settings, err := loadSettings()
	if err != nil {
		return err
	}
	logger := newLogger(settings, false)

	store, err := openStore(settings)
	if err != nil {
		return err
	}
	defer store.Close()

	var n service.Notifier
	if notify {
		async := newNotifier(settings, nil, logger)
		defer async.Wait()
		n = async
	}
	reconciler, err := newReconciler(settings, store, n, logger)
	if err != nil {
		return err
	}

	ctx, cancel := cmdCtx(settings)
	defer cancel()
	res, err := reconciler.Grant(ctx, email, strings.TrimSpace(customer))
	if err != nil {
		return fmt.Errorf("issue key: %w", err)
	}

	verb := "Issued"
	if res.Outcome == service.OutcomeRenewed {
		verb = "Renewed"
	}
	fmt.Fprintf(out, "%s access key:\n\n", verb)
	printRecord(out, res.Record, time.Now())
	return nil
}

// ---------- key show ----------

func newKeyShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <access-key>",
		Short: "Show the stored record for an access key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyShow(cmd.OutOrStdout(), args[0], jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyShow(out io.Writer, key string, jsonOutput bool) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	store, err := openStore(settings)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := cmdCtx(settings)
	defer cancel()
	rec, err := store.GetByAccessKey(ctx, strings.TrimSpace(key))
	if errors.Is(err, keystore.ErrNotFound) {
		return fmt.Errorf("access key %q not found", model.KeyPrefix(key))
	}
	if err != nil {
		return fmt.Errorf("get key: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}
	printRecord(out, rec, time.Now())
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		filter     model.ListFilter
		status     string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List access keys, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = model.Status(strings.ToUpper(status))
			if filter.Status != "" && !filter.Status.Valid() {
				return fmt.Errorf("unknown status %q (want ACTIVE, INACTIVE, EXPIRED or CANCELLED)", status)
			}
			return runKeyList(cmd.OutOrStdout(), filter, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&filter.Email, "email", "", "Only keys for this purchaser email")
	cmd.Flags().StringVar(&filter.CustomerRef, "customer", "", "Only keys for this billing customer")
	cmd.Flags().StringVar(&status, "status", "", "Only keys in this status")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "Maximum number of keys")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(out io.Writer, filter model.ListFilter, jsonOutput bool) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	store, err := openStore(settings)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := cmdCtx(settings)
	defer cancel()
	recs, err := store.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	if len(recs) == 0 {
		fmt.Fprintln(out, "No access keys found. Use 'keygate key issue' to create one.")
		return nil
	}

	now := time.Now()
	fmt.Fprintf(out, "%-10s %-30s %-16s %-10s %-22s\n", "KEY", "EMAIL", "CUSTOMER", "STATUS", "EXPIRES")
	fmt.Fprintf(out, "%-10s %-30s %-16s %-10s %-22s\n", "---", "-----", "--------", "------", "-------")
	for i := range recs {
		r := &recs[i]
		status, _ := service.Evaluate(r, now)
		fmt.Fprintf(out, "%-10s %-30s %-16s %-10s %-22s\n",
			r.Prefix(), r.Email, r.CustomerRef, status, r.SubTo.Local().Format(timeLayout))
	}
	return nil
}

// ---------- key cancel ----------

func newKeyCancelCmd() *cobra.Command {
	var customer string

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the key held by a billing customer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCancel(cmd.OutOrStdout(), customer)
		},
	}

	cmd.Flags().StringVar(&customer, "customer", "", "Billing customer reference (required)")
	cmd.MarkFlagRequired("customer")

	return cmd
}

func runKeyCancel(out io.Writer, customer string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	store, err := openStore(settings)
	if err != nil {
		return err
	}
	defer store.Close()

	reconciler, err := newReconciler(settings, store, nil, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}

	ctx, cancel := cmdCtx(settings)
	defer cancel()
	res, err := reconciler.Deactivate(ctx, strings.TrimSpace(customer))
	if err != nil {
		return fmt.Errorf("cancel key: %w", err)
	}
	if res.Outcome == service.OutcomeIgnored {
		return fmt.Errorf("no access key is held by customer %q", customer)
	}
	fmt.Fprintf(out, "Cancelled access key %s for customer %s\n", res.Record.Prefix(), customer)
	return nil
}

func printRecord(out io.Writer, rec *model.AccessKey, now time.Time) {
	status, _ := service.Evaluate(rec, now)
	fmt.Fprintf(out, "  Key:       %s\n", rec.AccessKey)
	fmt.Fprintf(out, "  Email:     %s\n", rec.Email)
	if rec.CustomerRef != "" {
		fmt.Fprintf(out, "  Customer:  %s\n", rec.CustomerRef)
	}
	fmt.Fprintf(out, "  Status:    %s\n", status)
	fmt.Fprintf(out, "  Valid:     %s - %s\n", rec.SubFrom.Local().Format(timeLayout), rec.SubTo.Local().Format(timeLayout))
	fmt.Fprintf(out, "  Logins:    %d\n", rec.LoginCount)
	fmt.Fprintf(out, "  Sessions:  %d\n", len(rec.SessionIDs))
}
