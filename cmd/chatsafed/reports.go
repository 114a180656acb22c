package main

import (
	"context"
	"fmt"
	"io"
	"os"

	cli "github.com/urfave/cli/v2"

	"github.com/chatsafe-net/chatsafe/ledger"
)

// formatInfractions writes one line per infraction, newest last, optionally
// filtered to a single subject, followed by a total. Returns the number of
// lines shown.
func formatInfractions(w io.Writer, infractions []ledger.Infraction, subject string) int {
	shown := 0
	for _, inf := range infractions {
		if subject != "" && inf.Subject != subject {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", inf.DetectedAt.Format("2006-01-02T15:04:05Z"), inf.Subject, inf.Reason)
		shown++
	}
	fmt.Fprintf(w, "total: %d\n", shown)
	return shown
}

// reportsCmd is a read-only view of the infraction ledger, for operators
// and the dashboard. Not part of the moderation pipeline.
var reportsCmd = &cli.Command{
	Name:  "reports",
	Usage: "list infractions recorded on the ledger, newest last",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "subject",
			Usage:   "only show infractions for this address, with its reputation count",
			EnvVars: []string{"CHATSAFE_REPORTS_SUBJECT"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger := configLogger()

		ldg, err := ledger.NewEthLedger(ctx,
			cctx.String("ledger-rpc-url"),
			cctx.String("ledger-contract-address"),
			cctx.String("signing-key"),
			logger,
		)
		if err != nil {
			return fmt.Errorf("initializing ledger client: %w", err)
		}

		infractions, err := ldg.ListInfractions(ctx)
		if err != nil {
			return err
		}

		subject := cctx.String("subject")
		formatInfractions(os.Stdout, infractions, subject)

		if subject != "" {
			rep, err := ldg.Reputation(ctx, subject)
			if err != nil {
				return err
			}
			fmt.Printf("reputation(%s): %d\n", subject, rep)
		}
		return nil
	},
}
