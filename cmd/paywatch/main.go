// Command paywatch waits for a QR payment code to settle and prints every
// status it reads. Exit code 0 means PAID, 2 CANCELLED, 3 expired.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"banhang/backend/internal/domain"
	"banhang/backend/internal/logger"
	"banhang/backend/internal/paywatch"
)

func main() {
	base := flag.String("base", "http://127.0.0.1:8080", "POS API base url")
	token := flag.String("token", os.Getenv("BANHANG_TOKEN"), "bearer token (cashier or admin)")
	code := flag.Int64("code", 0, "payment code to watch")
	interval := flag.Duration("interval", 3*time.Second, "poll interval")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: "paywatch", Format: "console"})
	if *code <= 0 {
		fmt.Fprintln(os.Stderr, "missing -code")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithField(ctx, "payment_code", *code)

	poller, err := paywatch.New(paywatch.NewHTTPSource(*base, *token, nil), paywatch.Options{
		Interval: *interval,
		OnPoll: func(status domain.PaymentStatus) {
			logg.Info(logg.WithField(ctx, "status", status.Status), "payment status")
		},
	})
	if err != nil {
		logg.Error(ctx, "failed to create poller", err)
		os.Exit(1)
	}

	status, err := poller.Wait(ctx, *code)
	switch {
	case errors.Is(err, paywatch.ErrExpired):
		logg.Warn(ctx, "payment code expired before it was paid")
		os.Exit(3)
	case errors.Is(err, context.Canceled):
		logg.Info(ctx, "stopped")
		os.Exit(1)
	case err != nil:
		logg.Error(ctx, "polling failed", err)
		os.Exit(1)
	}

	fmt.Println(status.Status)
	if status.Status == domain.PaymentStatusCancelled {
		os.Exit(2)
	}
}
