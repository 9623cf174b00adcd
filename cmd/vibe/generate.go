package main

import (
	"fmt"
	"io"
	"strings"

	"vibe/internal/generation"
	"vibe/internal/ledger"

	"github.com/spf13/cobra"
)

type callerFlags struct {
	identity string
	plan     string
	project  string
}

func (f *callerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.identity, "identity", "local", "identity the credits are charged to")
	cmd.Flags().StringVar(&f.plan, "plan", "free", "plan of the identity (free or pro)")
	cmd.Flags().StringVar(&f.project, "project", "", "continue an existing project")
}

func (f *callerFlags) caller() generation.Caller {
	return generation.Caller{Identity: f.identity, Tier: ledger.ParseTier(f.plan)}
}

func newGenerateCmd(opts *rootOptions) *cobra.Command {
	var (
		flags  callerFlags
		stream bool
	)
	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Run one generation and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.open()
			if err != nil {
				return err
			}
			defer closeApp(app)

			req := generation.Request{
				Caller:    flags.caller(),
				ProjectID: flags.project,
				Prompt:    strings.Join(args, " "),
			}
			if stream {
				req.OnText = streamTo(cmd.ErrOrStderr())
			}
			out, err := app.Generation.Generate(cmd.Context(), req)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), renderMarkdown(outcomeMarkdown(out)))
			return err
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&stream, "stream", false, "echo model text to stderr while it streams")
	return cmd
}

func streamTo(w io.Writer) func(string) {
	return func(delta string) { _, _ = io.WriteString(w, delta) }
}
