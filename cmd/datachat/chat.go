package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rhuss/datachat/pkg/agent"
	"github.com/rhuss/datachat/pkg/chat"
	"github.com/rhuss/datachat/pkg/codeinterpreter"
	"github.com/rhuss/datachat/pkg/debug"
)

const chatHelp = `Commands:
  /upload <path>   upload a CSV file
  /files           list uploaded files
  /model [label]   show or switch the model
  /reset           start over with a fresh interpreter
  /quit            leave
Anything else is sent as a question.`

func chatCmd() *cobra.Command {
	var uploads []string
	var model string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "chat [question]",
		Short: "Ask questions about CSV files",
		Long: `Upload CSV files and ask questions about them. With a question argument
the answer is printed and the command exits; without one an interactive
session starts.

Examples:
  datachat chat --upload sales.csv
  datachat chat -u sales.csv -u targets.csv "Compare sales with targets"
  datachat chat --model Claude -u sales.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newStack(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			c := &chatSession{rt: rt, out: cmd.OutOrStdout(), model: model, verbose: verbose}
			if err := c.start(ctx); err != nil {
				return err
			}
			for _, path := range uploads {
				if err := c.upload(ctx, path); err != nil {
					return err
				}
			}

			if len(args) > 0 {
				return c.ask(ctx, strings.Join(args, " "))
			}
			fmt.Fprintln(c.out, chatHelp)
			return c.loop(ctx, cmd.InOrStdin())
		},
	}

	cmd.Flags().StringArrayVarP(&uploads, "upload", "u", nil, "CSV file to upload (repeatable)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model label, see 'datachat models'")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show the code the model runs")
	return cmd
}

type chatSession struct {
	rt      *stack
	out     io.Writer
	id      string
	model   string
	verbose bool
}

func (c *chatSession) start(ctx context.Context) error {
	s, err := c.rt.sessions.Create(ctx)
	if err != nil {
		return err
	}
	c.id = s.ID
	if c.model == "" {
		c.model = s.Model
	}
	return nil
}

func (c *chatSession) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(c.out, "\n> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := c.command(ctx, line)
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		if err := c.ask(ctx, line); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

// command handles a slash command and reports whether to quit.
func (c *chatSession) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(c.out, chatHelp)
	case "/upload":
		if arg == "" {
			return false, errors.New("usage: /upload <path>")
		}
		return false, c.upload(ctx, arg)
	case "/files":
		s, err := c.rt.sessions.Get(ctx, c.id)
		if err != nil {
			return false, err
		}
		if len(s.UploadedFiles) == 0 {
			fmt.Fprintln(c.out, "no files uploaded")
		}
		for _, f := range s.UploadedFiles {
			fmt.Fprintf(c.out, "%s -> %s\n", f.Name, f.Path)
		}
	case "/model":
		if arg == "" {
			fmt.Fprintf(c.out, "model: %s (available: %s)\n", c.model, strings.Join(c.rt.models.Labels(), ", "))
			return false, nil
		}
		if _, err := c.rt.models.Select(arg); err != nil {
			return false, err
		}
		c.model = arg
		fmt.Fprintf(c.out, "model: %s\n", c.model)
	case "/reset":
		if _, err := c.rt.sessions.Reset(ctx, c.id); err != nil {
			return false, err
		}
		fmt.Fprintln(c.out, "session reset, uploaded files are gone")
	default:
		return false, fmt.Errorf("unknown command %s, try /help", name)
	}
	return false, nil
}

func (c *chatSession) upload(ctx context.Context, path string) error {
	f, err := c.rt.upload(ctx, c.id, path)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}
	fmt.Fprintf(c.out, "uploaded %s to %s\n", f.Name, f.Path)
	return nil
}

func (c *chatSession) ask(ctx context.Context, question string) error {
	msg, err := c.rt.sessions.Ask(ctx, c.id, c.model, question, agent.SinkFunc(c.progress))
	if err != nil {
		return err
	}
	text, images := chat.ParseResponse(msg.Content)
	fmt.Fprintf(c.out, "\n%s\n", strings.TrimSpace(text))
	for _, img := range images {
		fmt.Fprintf(c.out, "[image] %s\n", img)
	}
	return nil
}

func (c *chatSession) progress(_ context.Context, ev agent.Event) error {
	switch ev.Type {
	case agent.EventToolCall:
		fmt.Fprintf(c.out, "... running %s\n", ev.ToolCall.Name)
		if c.verbose {
			fmt.Fprintf(c.out, "%s\n", debug.Truncate(ev.ToolCall.Arguments, 2000))
		}
	case agent.EventToolResult:
		if !c.verbose || ev.ToolResult == nil {
			return nil
		}
		text, files, ok := codeinterpreter.ParseToolOutput(ev.ToolResult.Output)
		if !ok {
			text = ev.ToolResult.Output
		}
		fmt.Fprintf(c.out, "%s\n", debug.Truncate(text, 2000))
		for _, f := range files {
			fmt.Fprintf(c.out, "[file] %s\n", f)
		}
	}
	return nil
}
