package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/benbjohnson/ropgen/x86"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// GadgetsCommand represents a command for listing the gadgets of a binary.
type GadgetsCommand struct {
	CacheDir string
	Bits     int
	Avoid    string

	Stdout io.Writer
}

// NewGadgetsCommand returns a new instance of GadgetsCommand.
func NewGadgetsCommand() *GadgetsCommand {
	return &GadgetsCommand{Stdout: os.Stdout}
}

// Command returns the cobra command for "gadgets".
func (cmd *GadgetsCommand) Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "gadgets BINARY",
		Short: "List the gadgets found in a binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(args[0])
		},
	}
	c.Flags().StringVar(&cmd.CacheDir, "cache-dir", DefaultCacheDir, "gadget cache directory (empty disables)")
	c.Flags().IntVar(&cmd.Bits, "bits", 0, "decoding mode, 32 or 64 (0 = from ELF class)")
	c.Flags().StringVarP(&cmd.Avoid, "avoid", "a", "", "file of bytes to avoid, one 0x.. per line")
	return c
}

// Run lists the gadgets of the binary at path.
func (cmd *GadgetsCommand) Run(path string) error {
	var cache *x86.Cache
	if cmd.CacheDir != "" {
		cache = x86.NewCache(cmd.CacheDir)
	}
	catalog, err := x86.ExtractFile(path, cmd.Bits, cache)
	if err != nil {
		return err
	}

	if cmd.Avoid != "" {
		config := Config{AvoidFile: cmd.Avoid}
		avoid, err := config.AvoidBytes()
		if err != nil {
			return err
		}
		catalog = catalog.Filter(avoid)
	}

	var buf bytes.Buffer
	width := terminalWidth()
	if catalog.Len() > 0 {
		for _, line := range strings.Split(strings.TrimSuffix(catalog.String(), "\n"), "\n") {
			buf.WriteString(truncate(line, width))
			buf.WriteString("\n")
		}
	}
	fmt.Fprintf(&buf, "%d gadgets\n", catalog.Len())

	_, err = cmd.Stdout.Write(buf.Bytes())
	return err
}

// terminalWidth returns the width of stdout, or 80 if it is not a terminal.
func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	} else if width < 20 {
		return 20
	}
	return width
}

// truncate shortens s to width columns, marking the cut with "...".
// Tabs count as eight columns.
func truncate(s string, width int) string {
	expanded := strings.ReplaceAll(s, "\t", "        ")
	if len(expanded) <= width {
		return expanded
	}
	return expanded[:width-3] + "..."
}
