package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCommand returns the ropgen command tree.
func NewRootCommand() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "ropgen",
		Short: "Ropgen synthesizes return-oriented-programming chains.",
		Long: `
Ropgen searches the gadgets of a binary for a chain that reproduces the
effect of a short assembly program, allowing gadgets to use different
registers than the program does.
`[1:],
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetFlags(0)
			if !verbose {
				log.SetOutput(io.Discard)
			}
		},
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	cmd.AddCommand(NewGenerateCommand().Command(&verbose))
	cmd.AddCommand(NewGadgetsCommand().Command())
	cmd.AddCommand(NewGraphCommand().Command())
	return cmd
}
