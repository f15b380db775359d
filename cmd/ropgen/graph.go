package main

import (
	"fmt"
	"io"
	"os"

	"github.com/benbjohnson/ropgen"
	"github.com/spf13/cobra"
)

// GraphCommand represents a command for printing the dependency graph of a program.
type GraphCommand struct {
	Freshen bool

	Stdout io.Writer
}

// NewGraphCommand returns a new instance of GraphCommand.
func NewGraphCommand() *GraphCommand {
	return &GraphCommand{Stdout: os.Stdout}
}

// Command returns the cobra command for "graph".
func (cmd *GraphCommand) Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "graph INPUT",
		Short: "Print the dependency graph of a program",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(args[0])
		},
	}
	c.Flags().BoolVar(&cmd.Freshen, "freshen", false, "rename overwritten registers to fresh registers")
	return c
}

// Run prints the graph of the program at path.
func (cmd *GraphCommand) Run(path string) error {
	program, err := readProgram(path)
	if err != nil {
		return err
	}

	g := ropgen.NewGraph(program)
	if cmd.Freshen {
		evidence := g.Freshen(&ropgen.RegisterAllocator{})
		fmt.Fprintf(cmd.Stdout, "Fresh registers: %s\n", evidence)
	}
	fmt.Fprintln(cmd.Stdout, g)
	return nil
}
