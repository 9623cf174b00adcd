package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"vibe/internal/generation"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var chatCommands = []string{
	"/project   show the current project id",
	"/preview   print a live preview URL for the latest fragment",
	"/new       start a new project on the next prompt",
	"/exit      leave the session",
}

// generator is the slice of the generation service the chat loop drives.
type generator interface {
	Generate(ctx context.Context, req generation.Request) (generation.Outcome, error)
	Preview(ctx context.Context, identity, projectID string) (generation.Preview, error)
}

type chatSession struct {
	gen     generator
	caller  generation.Caller
	project string
	out     io.Writer
	errOut  io.Writer
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	var flags callerFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Iterate on a project interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := opts.open()
			if err != nil {
				return err
			}
			defer closeApp(app)

			history := filepath.Join(filepath.Dir(app.Config.Storage.DBPath), "chat.history")
			in, inErr := newLineInput(history)
			if inErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "line editor unavailable, using basic input: %v\n", inErr)
			}
			defer in.Close()

			s := &chatSession{
				gen:     app.Generation,
				caller:  flags.caller(),
				project: flags.project,
				out:     cmd.OutOrStdout(),
				errOut:  cmd.ErrOrStderr(),
			}
			for _, c := range chatCommands {
				fmt.Fprintf(s.out, "  %s\n", c)
			}
			return s.loop(cmd.Context(), in)
		},
	}
	flags.register(cmd)
	return cmd
}

func (s *chatSession) loop(ctx context.Context, in lineInput) error {
	for {
		line, err := in.ReadLine("> ")
		if err != nil {
			switch {
			case errors.Is(err, readline.ErrInterrupt):
				fmt.Fprintln(s.out)
				continue
			case errors.Is(err, io.EOF):
				return nil
			default:
				return fmt.Errorf("read input: %w", err)
			}
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if s.command(ctx, input) {
				return nil
			}
			continue
		}
		s.turn(ctx, input)
	}
}

// command handles a slash command and reports whether the session should end.
func (s *chatSession) command(ctx context.Context, input string) bool {
	switch strings.Fields(input)[0] {
	case "/exit", "/quit":
		return true
	case "/project":
		if s.project == "" {
			fmt.Fprintln(s.out, "no project yet")
		} else {
			fmt.Fprintln(s.out, s.project)
		}
	case "/new":
		s.project = ""
		fmt.Fprintln(s.out, "next prompt starts a new project")
	case "/preview":
		if s.project == "" {
			fmt.Fprintln(s.out, "no project yet")
			return false
		}
		p, err := s.gen.Preview(ctx, s.caller.Identity, s.project)
		if err != nil {
			fmt.Fprintf(s.errOut, "preview failed: %v\n", err)
			return false
		}
		if p.Restored {
			fmt.Fprintln(s.out, "sandbox had expired, restored from the latest fragment")
		}
		fmt.Fprintln(s.out, p.URL)
	default:
		fmt.Fprintf(s.out, "unknown command %s\n", input)
	}
	return false
}

func (s *chatSession) turn(ctx context.Context, prompt string) {
	out, err := s.gen.Generate(ctx, generation.Request{
		Caller:    s.caller,
		ProjectID: s.project,
		Prompt:    prompt,
	})
	if out.ProjectID != "" {
		s.project = out.ProjectID
	}
	if err != nil {
		var denied *generation.CreditDeniedError
		if errors.As(err, &denied) {
			fmt.Fprintln(s.errOut, newStyles().warning.Render(fmt.Sprintf("out of credits (%s window)", denied.Window)))
			return
		}
		fmt.Fprintf(s.errOut, "generation failed: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, renderMarkdown(outcomeMarkdown(out)))
}
