/*
Package cli provides helpers shared by the gatekeeper commands.

Output Formatting:

Command results print as text, JSON or CSV:

	formatter := cli.NewFormatter(cli.FormatJSON)
	if err := formatter.FormatTo(os.Stdout, state); err != nil {
		return err
	}

CSV output requires the value to implement Table.

Signal Handling:

For graceful shutdown on SIGINT/SIGTERM:

	ctx, stop := cli.SetupSignalHandler()
	defer stop()
*/
package cli
