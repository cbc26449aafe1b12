package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/chzyer/readline"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/wudi/sigil/asm"
	"github.com/wudi/sigil/proto"
	"github.com/wudi/sigil/stdlib"
	"github.com/wudi/sigil/values"
	"github.com/wudi/sigil/vm"
)

func main() {
	app := &cli.Command{
		Name:  "sigil",
		Usage: "Run and inspect programs against the sigil execution core",
		Commands: []*cli.Command{
			runCommand,
			replCommand,
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "sigil:", err)
		os.Exit(1)
	}
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "assemble and run a program file",
	ArgsUsage: "<program.yaml>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "engine config YAML"},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		path := cmd.Args().First()
		if path == "" {
			return fmt.Errorf("run requires a program file")
		}
		cfg, err := loadConfig(cmd.String("config"))
		if err != nil {
			return err
		}
		result, err := runProgramFile(ctx, path, cfg)
		if err != nil {
			return err
		}
		printResult(result)
		return nil
	},
}

var replCommand = &cli.Command{
	Name:  "repl",
	Usage: "interactively run program files against one engine instance",
	Action: func(ctx context.Context, cmd *cli.Command) error {
		return runRepl(ctx)
	},
}

func loadConfig(path string) (vm.Config, error) {
	cfg := vm.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func newEngine(cfg vm.Config) *vm.Engine {
	e := vm.New(cfg, slog.Default())
	stdlib.Bootstrap(e.Messages, os.Stdout, func() values.Value { return e.NewChannel().Value() })
	return e
}

// runProgramFile assembles path, spawns it as the engine's entry fiber,
// and drives the scheduler to completion.
func runProgramFile(ctx context.Context, path string, cfg vm.Config) (values.ResultPair, error) {
	p, err := asm.LoadFile(path)
	if err != nil {
		return values.ResultPair{}, err
	}
	e := newEngine(cfg)
	return execProto(ctx, e, p)
}

func execProto(ctx context.Context, e *vm.Engine, p *proto.Prototype) (values.ResultPair, error) {
	blk := proto.NewBlock(p, make([]values.Value, p.NSlots), nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Sched.Run(runCtx) }()

	f, err := e.Spawn(runCtx, blk, nil)
	if err != nil {
		return values.ResultPair{}, err
	}

	f.Wait()
	cancel()
	<-done

	if e.Errors.Len() > 0 {
		return f.Result, fmt.Errorf("%s", e.Errors.String())
	}
	return f.Result, nil
}

func printResult(result values.ResultPair) {
	fmt.Printf("status=%v\n", result.Status)
	for i, v := range result.Values {
		fmt.Printf("  [%d] %s\n", i, v.String())
	}
}

func runRepl(ctx context.Context) error {
	rl, err := readline.New("sigil> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	cfg := vm.DefaultConfig()
	e := newEngine(cfg)
	fmt.Println("sigil repl: :load <file> to assemble and run a program, :stats, :quit")

	for {
		line, err := rl.Readline()
		if err != nil {
			return nil
		}
		switch {
		case line == ":quit" || line == ":q":
			return nil
		case line == ":stats":
			printStats(e)
		case len(line) > 6 && line[:6] == ":load ":
			path := line[6:]
			p, err := asm.LoadFile(path)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			result, err := execProto(ctx, e, p)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			printResult(result)
		case line == "":
			continue
		default:
			fmt.Println("unrecognized command (try :load <file>, :stats, :quit)")
		}
	}
}

func printStats(e *vm.Engine) {
	stats := e.Sched.StatsOf(nil)
	data, _ := yaml.Marshal(stats)
	fmt.Print(string(data))
}
