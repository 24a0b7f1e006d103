package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/joshuapare/defragkit/arena/simarena"
	"github.com/joshuapare/defragkit/defrag"
	"github.com/joshuapare/defragkit/defrag/config"
	"github.com/joshuapare/defragkit/internal/workload"
)

var shellConfigPath string

func init() {
	cmd := newShellCmd()
	cmd.Flags().StringVarP(&shellConfigPath, "config", "c", "", "YAML configuration file")
	rootCmd.AddCommand(cmd)
}

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Step through allocation and defrag passes interactively",
		Long: `The shell command opens a prompt over an empty simulated arena. Allocate
objects, fragment the arena, change the strategy and run passes one at a
time while watching the per-bin report. Type 'help' for the command list.

Example:
  defragctl shell
  defragctl shell --config defrag.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if shellConfigPath != "" {
				loaded, err := config.Load(shellConfigPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			return runShell(cmd.Context(), cfg)
		},
	}
}

// shell holds one interactive session.
type shell struct {
	ctx context.Context
	out io.Writer
	a   *simarena.Arena
	d   *defrag.Defragger
	sim *workload.Sim
}

func newShell(ctx context.Context, cfg *config.Config, out io.Writer) (*shell, error) {
	a, d, sim, err := newSimulation(cfg)
	if err != nil {
		return nil, err
	}
	return &shell{ctx: ctx, out: out, a: a, d: d, sim: sim}, nil
}

func (s *shell) close() error {
	return errors.Join(s.d.Close(), s.a.Close())
}

func runShell(ctx context.Context, cfg *config.Config) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          render(headerStyle, "defrag> "),
		HistoryLimit:    500,
		AutoComplete:    shellCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	sh, err := newShell(ctx, cfg, rl.Stdout())
	if err != nil {
		return err
	}
	defer sh.close()

	fmt.Fprintf(sh.out, "%s\n", render(labelStyle, "Empty arena ready. Type 'help' for commands."))
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		quit, err := sh.exec(line)
		if err != nil {
			fmt.Fprintf(sh.out, "%s\n", render(warnStyle, "error: "+err.Error()))
		}
		if quit {
			return nil
		}
	}
}

// shellCommand is one REPL verb.
type shellCommand struct {
	usage string
	help  string
	run   func(s *shell, args []string) error
}

var shellCommands map[string]shellCommand

// shellOrder lists commands in help order.
var shellOrder = []string{
	"alloc", "fragment", "pass", "frag", "strategy", "select", "threshold",
	"report", "worst", "verify", "help", "quit",
}

func init() {
	shellCommands = map[string]shellCommand{
		"alloc":     {"alloc <n>", "allocate n objects with random sizes", (*shell).cmdAlloc},
		"fragment":  {"fragment <ratio>", "free each live object with probability ratio", (*shell).cmdFragment},
		"pass":      {"pass", "run one defrag pass over all live objects", (*shell).cmdPass},
		"frag":      {"frag", "refresh statistics and print fragmentation bytes", (*shell).cmdFrag},
		"strategy":  {"strategy [name]", "show or set the decision strategy", (*shell).cmdStrategy},
		"select":    {"select [mode]", "show or set the selection mode", (*shell).cmdSelect},
		"threshold": {"threshold [permille]", "show or set the threshold margin", (*shell).cmdThreshold},
		"report":    {"report", "print the engine's INFO report", (*shell).cmdReport},
		"worst":     {"worst [k]", "list the k least utilized slabs (default 10)", (*shell).cmdWorst},
		"verify":    {"verify", "check every live payload", (*shell).cmdVerify},
		"help":      {"help", "list commands", (*shell).cmdHelp},
		"quit":      {"quit", "leave the shell", nil},
	}
}

func shellCompleter() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(shellOrder))
	for _, name := range shellOrder {
		switch name {
		case "strategy":
			items = append(items, readline.PcItem(name, pcItems(defrag.StrategyNames())...))
		case "select":
			items = append(items, readline.PcItem(name, pcItems(defrag.SelectionNames())...))
		default:
			items = append(items, readline.PcItem(name))
		}
	}
	return readline.NewPrefixCompleter(items...)
}

func pcItems(names []string) []readline.PrefixCompleterInterface {
	items := make([]readline.PrefixCompleterInterface, len(names))
	for i, n := range names {
		items[i] = readline.PcItem(n)
	}
	return items
}

// exec runs one input line. quit reports whether the session should end.
func (s *shell) exec(line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	name := strings.ToLower(fields[0])
	if name == "exit" || name == "quit" || name == "q" {
		return true, nil
	}
	cmd, ok := shellCommands[name]
	if !ok {
		return false, fmt.Errorf("unknown command %q (try 'help')", fields[0])
	}
	return false, cmd.run(s, fields[1:])
}

func (s *shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

func (s *shell) cmdAlloc(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: alloc <n>")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid count %q", args[0])
	}
	if err := s.sim.Populate(s.ctx, n); err != nil {
		return err
	}
	s.printf("allocated %s objects, %s live\n", num(n), num(s.sim.Live()))
	return nil
}

func (s *shell) cmdFragment(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: fragment <ratio>")
	}
	ratio, err := strconv.ParseFloat(args[0], 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return fmt.Errorf("invalid ratio %q (want 0..1)", args[0])
	}
	freed, err := s.sim.Fragment(ratio)
	if err != nil {
		return err
	}
	s.printf("freed %s objects, %s live\n", num(freed), num(s.sim.Live()))
	return nil
}

func (s *shell) cmdPass(args []string) error {
	p, err := s.sim.RunPass(s.ctx)
	if err != nil {
		return err
	}
	s.printf("scanned %s, moved %s (%s)\n", num(p.Scanned), num(p.Moved), formatBytes(p.MovedBytes))
	s.printf("fragmentation %s -> %s\n", formatBytes(p.FragBefore), formatBytes(p.FragAfter))
	return nil
}

func (s *shell) cmdFrag(args []string) error {
	frag := s.d.FragmentationBytes()
	st := s.a.Stats()
	s.printf("%s bytes fragmented (%.1f%% of %s in %s slabs)\n",
		num(frag), percent(frag, st.SlabBytes), formatBytes(st.SlabBytes), num(st.Slabs))
	return nil
}

func (s *shell) cmdStrategy(args []string) error {
	if len(args) == 0 {
		s.printf("%s\n", s.d.Strategy())
		return nil
	}
	v, err := defrag.ParseStrategy(args[0])
	if err != nil {
		return err
	}
	s.d.SetStrategy(v)
	s.printf("strategy %s\n", s.d.Strategy())
	return nil
}

func (s *shell) cmdSelect(args []string) error {
	if len(args) == 0 {
		s.printf("%s\n", s.d.SelectionMode())
		return nil
	}
	v, err := defrag.ParseSelection(args[0])
	if err != nil {
		return err
	}
	s.d.SetSelectionMode(v)
	s.printf("selection %s\n", s.d.SelectionMode())
	return nil
}

func (s *shell) cmdThreshold(args []string) error {
	if len(args) == 0 {
		s.printf("%d\n", s.d.Threshold())
		return nil
	}
	v, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid threshold %q", args[0])
	}
	s.d.SetThreshold(v)
	s.printf("threshold %d\n", s.d.Threshold())
	return nil
}

func (s *shell) cmdReport(args []string) error {
	s.printf("%s", strings.ReplaceAll(s.d.StatsReport(), "\r\n", "\n"))
	return nil
}

func (s *shell) cmdWorst(args []string) error {
	k := 10
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return fmt.Errorf("invalid count %q", args[0])
		}
		k = v
	}
	slabs := s.a.LeastUtilizedSlabs(k)
	if len(slabs) == 0 {
		s.printf("no slabs\n")
		return nil
	}
	tbl := &table{header: []string{"addr", "bin", "region", "used", "util"}}
	for _, sl := range slabs {
		tbl.add(fmt.Sprintf("%#x", sl.Addr), fmt.Sprint(sl.Bin), num(sl.RegionSize),
			fmt.Sprintf("%d/%d", sl.Used, sl.Regions), fmt.Sprintf("%.1f%%", sl.Utilization*100))
	}
	s.printf("%s", tbl)
	return nil
}

func (s *shell) cmdVerify(args []string) error {
	if err := s.sim.Verify(); err != nil {
		return err
	}
	s.printf("%s\n", render(goodStyle, fmt.Sprintf("✓ %s payloads intact", num(s.sim.Live()))))
	return nil
}

func (s *shell) cmdHelp(args []string) error {
	for _, name := range shellOrder {
		c := shellCommands[name]
		s.printf("  %-22s %s\n", c.usage, render(labelStyle, c.help))
	}
	return nil
}
