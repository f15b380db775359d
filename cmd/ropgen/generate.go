package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/benbjohnson/ropgen"
	"github.com/benbjohnson/ropgen/x86"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
)

// GenerateCommand represents a command for generating a chain payload.
type GenerateCommand struct {
	Config     Config
	ConfigPath string

	Stdout io.Writer
	Stderr io.Writer
}

// NewGenerateCommand returns a new instance of GenerateCommand.
func NewGenerateCommand() *GenerateCommand {
	return &GenerateCommand{
		Config: NewConfig(),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Command returns the cobra command for "generate".
func (cmd *GenerateCommand) Command(verbose *bool) *cobra.Command {
	c := &cobra.Command{
		Use:   "generate",
		Short: "Generate a chain for a program from the gadgets of a binary",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			if cmd.ConfigPath != "" {
				if err := cmd.loadConfigFile(c); err != nil {
					return err
				}
			}
			if *verbose {
				log.Printf("[config] %s", spew.Sdump(cmd.Config))
			}
			return cmd.Run(c.Context())
		},
	}

	flags := c.Flags()
	flags.StringVarP(&cmd.ConfigPath, "config", "c", "", "TOML configuration file")
	flags.StringVarP(&cmd.Config.Input, "input", "i", "", "file of target instructions")
	flags.StringVarP(&cmd.Config.Output, "output", "o", "", "file to write the payload to")
	flags.StringVarP(&cmd.Config.Binary, "binary", "b", "", "ELF binary to take gadgets from")
	flags.IntVarP(&cmd.Config.Padding, "padding", "p", 0, "bytes of padding before the first address")
	flags.StringVarP(&cmd.Config.AvoidFile, "avoid", "a", "", "file of bytes to avoid, one 0x.. per line")
	flags.IntVar(&cmd.Config.MaxIterations, "max-iterations", 0, "maximum number of search iterations (0 = unlimited)")
	flags.StringVar(&cmd.Config.Timeout, "timeout", "", "maximum search duration")
	flags.Int64Var(&cmd.Config.Seed, "seed", 0, "seed of the gadget trial order (0 = random)")
	flags.StringVar(&cmd.Config.CacheDir, "cache-dir", DefaultCacheDir, "gadget cache directory (empty disables)")
	flags.IntVar(&cmd.Config.Bits, "bits", 0, "decoding mode, 32 or 64 (0 = from ELF class)")
	return c
}

// loadConfigFile reads the configuration file. Flags set on the command
// line take precedence over the file.
func (cmd *GenerateCommand) loadConfigFile(c *cobra.Command) error {
	file, err := ReadConfigFile(cmd.ConfigPath)
	if err != nil {
		return err
	}

	flags := c.Flags()
	config := &cmd.Config
	if !flags.Changed("input") {
		config.Input = file.Input
	}
	if !flags.Changed("output") {
		config.Output = file.Output
	}
	if !flags.Changed("binary") {
		config.Binary = file.Binary
	}
	if !flags.Changed("padding") {
		config.Padding = file.Padding
	}
	if !flags.Changed("avoid") {
		config.AvoidFile = file.AvoidFile
	}
	if !flags.Changed("max-iterations") {
		config.MaxIterations = file.MaxIterations
	}
	if !flags.Changed("timeout") {
		config.Timeout = file.Timeout
	}
	if !flags.Changed("seed") {
		config.Seed = file.Seed
	}
	if !flags.Changed("cache-dir") {
		config.CacheDir = file.CacheDir
	}
	if !flags.Changed("bits") {
		config.Bits = file.Bits
	}
	config.Avoid = file.Avoid
	return nil
}

// Run executes the "generate" command.
func (cmd *GenerateCommand) Run(ctx context.Context) error {
	config := cmd.Config
	if err := config.Validate(); err != nil {
		return err
	} else if config.Input == "" {
		return fmt.Errorf("input file required")
	} else if config.Binary == "" {
		return fmt.Errorf("binary required")
	}

	timeout, err := config.ParseTimeout()
	if err != nil {
		return err
	}
	avoid, err := config.AvoidBytes()
	if err != nil {
		return err
	}

	program, err := readProgram(config.Input)
	if err != nil {
		return err
	}

	var cache *x86.Cache
	if config.CacheDir != "" {
		cache = x86.NewCache(config.CacheDir)
	}
	catalog, err := x86.ExtractFile(config.Binary, config.Bits, cache)
	if err != nil {
		return err
	}
	catalog = catalog.Filter(avoid)
	log.Printf("[generate] instructions=%d gadgets=%d", len(program), catalog.Len())

	g := ropgen.NewGraph(program)
	g.Freshen(&ropgen.RegisterAllocator{})

	search := ropgen.NewSearch(g, catalog)
	search.MaxIterations = config.MaxIterations
	search.Timeout = timeout
	if config.Seed != 0 {
		search.Rand = rand.New(rand.NewSource(config.Seed))
	}

	done := make(chan struct{})
	go monitor(search, done)
	goal, err := search.Run(ctx)
	close(done)

	if errors.Is(err, ropgen.ErrNoSolution) {
		fmt.Fprintln(cmd.Stderr, "No chain found.")
		return err
	} else if err != nil {
		return err
	}

	for _, state := range goal.Path() {
		if addr, ok := state.Address(); ok {
			fmt.Fprintf(cmd.Stdout, "%#08x  %s\n", addr, state.Action())
		}
	}

	payload := ropgen.Payload(ropgen.Chain(goal), config.Padding)
	if config.Output != "" {
		if err := os.WriteFile(config.Output, payload, 0o644); err != nil {
			return err
		}
	}
	fmt.Fprintln(cmd.Stdout, hex.EncodeToString(payload))
	return nil
}

// monitor logs search counters every second until done is closed.
func monitor(search *ropgen.Search, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			stats := search.Stats()
			log.Printf("[generate] iterations=%d pushed=%d rejected=%d frontier=%d",
				stats.Iterations, stats.Pushed, stats.Rejected, stats.MaxFrontier)
		}
	}
}

// readProgram parses the target program at path.
func readProgram(path string) ([]*ropgen.Instruction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	program, err := ropgen.ParseProgram(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return program, nil
}
