package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"mpesa-service/internal/booking"
	"mpesa-service/internal/notify"
	"mpesa-service/internal/reconcile"
	"mpesa-service/internal/receipt"
)

var bookCmd = &cobra.Command{
	Use:   "book",
	Short: "Save a booking and pay for it with an STK push",
	Long: `book stores the booking locally, asks the payment server to prompt the payer's phone and
waits for the outcome on the live-update stream and by polling, whichever answers first.
If nothing arrives in time, run "status <booking-id>" to check again.`,
	RunE: runBook,
}

func init() {
	bookCmd.Flags().String("name", "", "Customer name (required)")
	bookCmd.Flags().String("email", "", "Email for the confirmation")
	bookCmd.Flags().String("phone", "", "M-PESA phone number, e.g. 0712345678 (required)")
	bookCmd.Flags().String("event", "", "Event title (required)")
	bookCmd.Flags().String("date", "", "Event date, YYYY-MM-DD")
	bookCmd.Flags().StringSlice("adults", nil, "Adult attendee names")
	bookCmd.Flags().StringSlice("children", nil, "Child attendee names")
	bookCmd.Flags().String("amount", "", "Amount in KSh (required)")
	_ = bookCmd.MarkFlagRequired("name")
	_ = bookCmd.MarkFlagRequired("phone")
	_ = bookCmd.MarkFlagRequired("event")
	_ = bookCmd.MarkFlagRequired("amount")
}

func runBook(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("name")
	email, _ := cmd.Flags().GetString("email")
	phone, _ := cmd.Flags().GetString("phone")
	title, _ := cmd.Flags().GetString("event")
	date, _ := cmd.Flags().GetString("date")
	adults, _ := cmd.Flags().GetStringSlice("adults")
	children, _ := cmd.Flags().GetStringSlice("children")
	rawAmount, _ := cmd.Flags().GetString("amount")

	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return fmt.Errorf("amount %q is not a number", rawAmount)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bookings := booking.NewFileStore(cfg.Client.BookingsFile)
	b, err := bookings.Save(booking.Booking{
		CustomerName:  name,
		Email:         email,
		Phone:         phone,
		EventTitle:    title,
		EventDate:     date,
		Adults:        len(adults),
		Children:      len(children),
		AdultsNames:   adults,
		ChildrenNames: children,
		Amount:        amount,
		PaymentType:   "mpesa",
	})
	if err != nil {
		return fmt.Errorf("save booking: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Booking %s saved. Check your phone for the M-PESA prompt.\n", b.ID)

	r := newReconciler(ctx, bookings, cmd.OutOrStdout())
	_, err = r.Pay(ctx, b.ID)
	return err
}

// newReconciler builds a reconciler with the shared live-update stream already open.
func newReconciler(ctx context.Context, bookings *booking.FileStore, out io.Writer) *reconcile.Reconciler {
	client := reconcile.NewClient(cfg.Client.ServerURL, time.Duration(cfg.Client.TimeoutMs)*time.Millisecond, logger)
	stream := reconcile.NewStream(client, logger)
	stream.Start(ctx)

	return reconcile.NewReconciler(client, stream, bookings, notify.NewEmailSender(cfg.Email, logger),
		textPresenter{w: out}, reconcile.OptionsFrom(cfg.Client), logger)
}

// textPresenter prints each settled attempt for a terminal user.
type textPresenter struct {
	w io.Writer
}

func (p textPresenter) Show(_ context.Context, o reconcile.Outcome) {
	switch o.State {
	case reconcile.StateConfirmed:
		fmt.Fprintf(p.w, "Payment confirmed for booking %s.\n", o.BookingID)
		if o.Receipt != nil {
			fmt.Fprintln(p.w)
			_ = receipt.TextRenderer{}.Render(p.w, *o.Receipt)
		}
		if o.ReceiptPath != "" {
			fmt.Fprintf(p.w, "\nReceipt saved to %s\n", o.ReceiptPath)
		}
	case reconcile.StateTimedOut:
		fmt.Fprintf(p.w, "%s\nRun: mpesa-service status %s\n", o.Message, o.BookingID)
	default:
		fmt.Fprintln(p.w, o.Message)
	}
}
