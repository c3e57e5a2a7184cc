package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mpesa-service/internal/booking"
	"mpesa-service/internal/reconcile"
	"mpesa-service/internal/receipt"
)

var statusCmd = &cobra.Command{
	Use:   "status [booking-id]",
	Short: "List bookings, or check a pending booking's payment again",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().Bool("pending", false, "Check every pending booking that has a checkout")
}

// checker is the part of the reconciler that re-checks earlier payments.
type checker interface {
	Resume(bookingID string) error
	CheckNow(ctx context.Context) (reconcile.Outcome, error)
	Reset() error
}

func runStatus(cmd *cobra.Command, args []string) error {
	bookings := booking.NewFileStore(cfg.Client.BookingsFile)
	pending, _ := cmd.Flags().GetBool("pending")
	if pending {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return recheckPending(ctx, newReconciler(ctx, bookings, cmd.OutOrStdout()), bookings, cmd.OutOrStdout())
	}
	if len(args) == 0 {
		return listBookings(cmd, bookings)
	}

	b, err := bookings.Get(args[0])
	if err != nil {
		return err
	}
	if b.Status != booking.StatusPending {
		fmt.Fprintf(cmd.OutOrStdout(), "Booking %s is %s.\n", b.ID, b.Status)
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := newReconciler(ctx, bookings, cmd.OutOrStdout())
	if err := r.Resume(b.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Checking payment for booking %s...\n", b.ID)
	_, err = r.CheckNow(ctx)
	return err
}

func listBookings(cmd *cobra.Command, bookings *booking.FileStore) error {
	all, err := bookings.List()
	if err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No bookings yet.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT\tDATE\tAMOUNT\tSTATUS\tRECEIPT")
	for _, b := range all {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			b.ID, b.EventTitle, receipt.FormatDate(b.EventDate), receipt.FormatAmount(b.Amount), b.Status, b.MpesaReceipt)
	}
	return tw.Flush()
}

// recheckPending runs one bounded re-check per pending booking, resetting the reconciler in between.
func recheckPending(ctx context.Context, r checker, bookings *booking.FileStore, out io.Writer) error {
	all, err := bookings.List()
	if err != nil {
		return err
	}

	checked := 0
	for _, b := range all {
		if b.Status != booking.StatusPending || b.CheckoutID == "" {
			continue
		}
		if err := r.Resume(b.ID); err != nil {
			return err
		}
		fmt.Fprintf(out, "Checking payment for booking %s...\n", b.ID)
		if _, err := r.CheckNow(ctx); err != nil {
			return err
		}
		if err := r.Reset(); err != nil {
			return err
		}
		checked++
	}

	if checked == 0 {
		fmt.Fprintln(out, "No pending bookings to check.")
	}
	return nil
}
