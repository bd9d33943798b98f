// Command plts is the developer tool for the runtime: compile function
// source, run it locally, and move artifacts in and out of the store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"stopgap-plts/internal/args"
	"stopgap-plts/internal/artifact"
	"stopgap-plts/internal/compiler"
	"stopgap-plts/internal/engine"
	"stopgap-plts/internal/host"
	"stopgap-plts/internal/monitor"
	"stopgap-plts/internal/plerr"
	"stopgap-plts/internal/program"
)

var (
	dsn       string
	sourceMap bool
	target    string
	timeout   string
	argsJSON  string
	rawJS     bool
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	root := &cobra.Command{
		Use:   "plts",
		Short: "Developer tool for the PLTS function runtime",
	}

	root.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("PLTS_DSN"), "Database DSN")

	compileCmd := &cobra.Command{
		Use:   "compile [file]",
		Short: "Compile function source and print the JS",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCompile,
	}
	compileCmd.Flags().BoolVar(&sourceMap, "source-map", false, "Emit an inline source map")
	compileCmd.Flags().StringVar(&target, "target", "", "Compilation target (default es2020)")
	root.AddCommand(compileCmd)

	runCmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Compile and execute function source locally",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&timeout, "timeout", "10s", "Execution timeout")
	runCmd.Flags().StringVar(&argsJSON, "args", "null", "Arguments as a JSON value")
	root.AddCommand(runCmd)

	artifactCmd := &cobra.Command{
		Use:   "artifact",
		Short: "Work with the content-addressed artifact store",
	}
	putCmd := &cobra.Command{
		Use:   "put [file]",
		Short: "Compile source and store the artifact",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runArtifactPut,
	}
	putCmd.Flags().BoolVar(&sourceMap, "source-map", false, "Emit an inline source map")
	putCmd.Flags().StringVar(&target, "target", "", "Compilation target (default es2020)")
	artifactCmd.AddCommand(putCmd)
	getCmd := &cobra.Command{
		Use:   "get <hash>",
		Short: "Fetch a stored artifact by hash",
		Args:  cobra.ExactArgs(1),
		RunE:  runArtifactGet,
	}
	getCmd.Flags().BoolVar(&rawJS, "js", false, "Print only the compiled JS")
	artifactCmd.AddCommand(getCmd)
	root.AddCommand(artifactCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func readSource(cmdArgs []string) (string, error) {
	if len(cmdArgs) > 0 {
		data, err := os.ReadFile(cmdArgs[0])
		if err != nil {
			return "", fmt.Errorf("reading file: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}

func runCompile(_ *cobra.Command, cmdArgs []string) error {
	source, err := readSource(cmdArgs)
	if err != nil {
		return err
	}
	monitor.NewSourceScanner().Scan(source)

	res, err := compiler.Compile(source, compiler.Options{SourceMap: sourceMap, Target: target})
	if err != nil {
		return printCompileError(err)
	}
	for _, d := range res.Diagnostics {
		fmt.Fprintf(os.Stderr, "%s %d:%d %s\n", d.Severity, d.Line, d.Column, d.Message)
	}
	fmt.Print(res.JS)
	return nil
}

func runRun(_ *cobra.Command, cmdArgs []string) error {
	source, err := readSource(cmdArgs)
	if err != nil {
		return err
	}

	var argsValue any
	if err := json.Unmarshal([]byte(argsJSON), &argsValue); err != nil {
		return fmt.Errorf("parsing --args: %w", err)
	}
	runtimeMS, _ := host.ParseDurationMS(timeout)

	res, err := compiler.Compile(source, compiler.Options{SourceMap: true})
	if err != nil {
		return printCompileError(err)
	}
	p := &program.Program{
		Fn:         plerr.FunctionID{Name: "cli"},
		Kind:       program.KindInline,
		CompiledJS: res.JS,
		SourceMap:  res.SourceMap,
	}

	invoke := func(tx host.Tx, resolve func(string) (string, error)) error {
		eng := engine.New(log.Logger)
		out, err := eng.Invoke(context.Background(), &engine.Invocation{
			Program:         p,
			Args:            &args.Mapped{Structured: true, Value: argsValue},
			Tx:              tx,
			Limits:          engine.Limits{RuntimeMS: runtimeMS},
			Interrupts:      host.NoInterrupts{},
			ExecID:          uuid.NewString(),
			ResolveArtifact: resolve,
		})
		if err != nil {
			return err
		}
		formatted, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(formatted))
		return nil
	}

	if dsn == "" {
		return invoke(nil, func(string) (string, error) {
			return "", plerr.New(plerr.KindImportNotSupported, plerr.StageLoad,
				"artifact imports need a database, set --dsn")
		})
	}
	return withTx(func(ctx context.Context, tx pgx.Tx) error {
		loader := program.NewLoader(program.DefaultCacheConfig())
		return invoke(tx, func(hash string) (string, error) {
			return loader.Hydrate(ctx, tx, hash)
		})
	})
}

func runArtifactPut(_ *cobra.Command, cmdArgs []string) error {
	source, err := readSource(cmdArgs)
	if err != nil {
		return err
	}
	monitor.NewSourceScanner().Scan(source)

	return withTx(func(ctx context.Context, tx pgx.Tx) error {
		store := artifact.NewStore(tx)
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		a, err := store.CompileAndStore(ctx, source, compiler.Options{SourceMap: sourceMap, Target: target})
		if err != nil {
			return printCompileError(err)
		}
		fmt.Println(a.Hash)
		return nil
	})
}

func runArtifactGet(_ *cobra.Command, cmdArgs []string) error {
	return withTx(func(ctx context.Context, tx pgx.Tx) error {
		a, err := artifact.NewStore(tx).Get(ctx, cmdArgs[0])
		if err != nil {
			return err
		}
		if rawJS {
			fmt.Print(a.CompiledJS)
			return nil
		}
		formatted, err := json.MarshalIndent(map[string]any{
			"hash":        a.Hash,
			"fingerprint": a.Fingerprint,
			"opts":        json.RawMessage(a.OptsJSON),
			"source":      a.Source,
			"compiled_js": a.CompiledJS,
			"source_map":  a.SourceMap,
			"diagnostics": a.Diagnostics,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(formatted))
		return nil
	})
}

func withTx(fn func(ctx context.Context, tx pgx.Tx) error) error {
	if dsn == "" {
		return fmt.Errorf("no database DSN, set --dsn or PLTS_DSN")
	}
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close(ctx)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// printCompileError renders compiler diagnostics before passing the error up.
func printCompileError(err error) error {
	var pe *plerr.Error
	if errors.As(err, &pe) && pe.Kind == plerr.KindCompile {
		for _, d := range pe.Diagnostics {
			fmt.Fprintf(os.Stderr, "%s %d:%d %s\n", d.Severity, d.Line, d.Column, d.Message)
		}
	}
	return err
}
