package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	mssqlease "github.com/joao-brasil/mssql-ease"
	"github.com/joao-brasil/mssql-ease/internal/errs"
)

type queryFlags struct {
	file       string
	params     []string
	maxResults int
	tx         bool
	commit     bool
	isolation  string
}

func newQueryCommand(v *viper.Viper) *cobra.Command {
	var f queryFlags
	cmd := &cobra.Command{
		Use:   "query [sql]",
		Short: "Run a SQL batch and print its rows as JSON lines",
		Long: `Runs one SQL batch on a pooled session. Every row is printed as a JSON
object tagged with the index of its result set; NULL columns are omitted.
Statistics are printed to stderr when the batch completes.

With --tx the batch runs inside a transaction that is rolled back on release
unless --commit is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := batchText(args, f.file)
			if err != nil {
				return err
			}
			specs, err := parseParams(f.params, nil)
			if err != nil {
				return errs.New(errs.KindConfig, "query", err)
			}
			return runQuery(cmd, v, f, text, specs)
		},
	}
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "Read the batch from a file ('-' for stdin)")
	cmd.Flags().StringArrayVarP(&f.params, "param", "p", nil, "Parameter as name=Type:value (repeatable)")
	cmd.Flags().IntVar(&f.maxResults, "max-results", 16, "Result sets to print; rows of later sets are counted but dropped")
	cmd.Flags().BoolVar(&f.tx, "tx", false, "Run inside a transaction")
	cmd.Flags().BoolVar(&f.commit, "commit", false, "Commit the --tx transaction on release instead of rolling back")
	cmd.Flags().StringVar(&f.isolation, "isolation", "", "Isolation level of the --tx transaction")
	return cmd
}

func batchText(args []string, file string) (string, error) {
	switch {
	case len(args) == 1 && file != "":
		return "", fmt.Errorf("give the batch as an argument or with --file, not both")
	case len(args) == 1:
		return args[0], nil
	case file == "-":
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading batch: %w", err)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("no batch given")
}

func runQuery(cmd *cobra.Command, v *viper.Viper, f queryFlags, text string, specs []paramSpec) error {
	ctx := cmd.Context()
	settings, err := loadSettings(v)
	if err != nil {
		return err
	}
	cfg, err := resolveConnection(settings, v.GetString("connection"))
	if err != nil {
		return err
	}
	level, err := mssqlease.ParseIsolationLevel(f.isolation)
	if err != nil {
		return err
	}

	m, _, cleanup, err := newManager(ctx, settings)
	if err != nil {
		return err
	}
	defer cleanup()

	conn, err := m.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	if f.tx {
		if err := conn.BeginTransaction(ctx, mssqlease.TxOptions{IsolationLevel: level, ImplicitCommit: f.commit}); err != nil {
			_ = conn.Release(ctx)
			return err
		}
	}

	out := newRowPrinter(cmd.OutOrStdout())
	st, err := conn.Statement(text).ExecuteObjects(ctx, out.callbacks(f.maxResults), binder(specs), true)
	if err != nil {
		return err
	}
	return printStats(cmd.ErrOrStderr(), st)
}

// ── Saída ───────────────────────────────────────────────────────────────

type rowPrinter struct {
	enc *json.Encoder
}

func newRowPrinter(w io.Writer) *rowPrinter {
	return &rowPrinter{enc: json.NewEncoder(w)}
}

// callbacks returns one object callback per printed result set.
func (p *rowPrinter) callbacks(n int) []mssqlease.ObjectFunc {
	fns := make([]mssqlease.ObjectFunc, n)
	for i := range fns {
		fns[i] = func(obj map[string]any) error {
			return p.enc.Encode(struct {
				Result int            `json:"result"`
				Row    map[string]any `json:"row"`
			}{i, obj})
		}
	}
	return fns
}

func printStats(w io.Writer, st *mssqlease.Stats) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}
