package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joao-brasil/mssql-ease/internal/errs"
)

func newProcedureCommand(v *viper.Viper) *cobra.Command {
	var (
		params     []string
		outs       []string
		maxResults int
	)
	cmd := &cobra.Command{
		Use:     "procedure NAME",
		Aliases: []string{"proc", "exec"},
		Short:   "Call a stored procedure",
		Long: `Calls a stored procedure on a pooled session. Rows of every result set
are printed as JSON lines; the statistics on stderr carry the return status
and the values of the --out parameters.`,
		Example: `  mssqlease procedure usp_laureates --param year=Int:1903 --out total=Int
  mssqlease proc usp_touch --param id=UniqueIdentifier:6f9619ff-8b86-d011-b42d-00c04fc964ff`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := parseParams(params, outs)
			if err != nil {
				return errs.New(errs.KindConfig, "procedure", err)
			}

			ctx := cmd.Context()
			settings, err := loadSettings(v)
			if err != nil {
				return err
			}
			cfg, err := resolveConnection(settings, v.GetString("connection"))
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
			out := newRowPrinter(cmd.OutOrStdout())
			st, err := conn.Procedure(args[0]).ExecuteObjects(ctx, out.callbacks(maxResults), binder(specs), true)
			if err != nil {
				return err
			}
			return printStats(cmd.ErrOrStderr(), st)
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Input parameter as name=Type:value (repeatable)")
	cmd.Flags().StringArrayVarP(&outs, "out", "o", nil, "Output parameter as name=Type[:initial] (repeatable)")
	cmd.Flags().IntVar(&maxResults, "max-results", 16, "Result sets to print")
	return cmd
}
