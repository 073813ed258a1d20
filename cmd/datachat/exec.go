package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/rhuss/datachat/pkg/bootstrap"
	"github.com/rhuss/datachat/pkg/codeinterpreter"
)

func execCmd() *cobra.Command {
	var uploads []string

	cmd := &cobra.Command{
		Use:   "exec <script.py>",
		Short: "Run a Python script in the code interpreter",
		Long: `Run a Python script in a fresh code interpreter without involving a chat
model. Uploaded files are readable under the printed paths. Files the
script writes are downloaded to the configured files directory.

Example:
  datachat exec describe.py --upload sales.csv`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			code, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			files, err := codeinterpreter.NewFileStore(cfg.Interpreter.FilesDir)
			if err != nil {
				return fmt.Errorf("creating file store: %w", err)
			}
			factory, err := bootstrap.Interpreters(cfg.Interpreter, files)
			if err != nil {
				return err
			}

			it, err := factory(ctx)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				it.Close(closeCtx)
			}()

			out := cmd.OutOrStdout()
			for _, path := range uploads {
				content, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				f, err := it.UploadFile(ctx, filepath.Base(path), content)
				if err != nil {
					return fmt.Errorf("uploading %s: %w", path, err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "uploaded %s to %s\n", f.Name, f.Path)
			}

			if cfg.Interpreter.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.Interpreter.Timeout)
				defer cancel()
			}
			res, err := it.Run(ctx, string(code))
			if err != nil {
				return err
			}
			fmt.Fprintln(out, res.Text)
			for _, f := range res.Files {
				fmt.Fprintf(out, "[file] %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&uploads, "upload", "u", nil, "file to upload before running (repeatable)")
	return cmd
}
