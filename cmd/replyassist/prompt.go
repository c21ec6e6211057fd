package main

import (
	"fmt"
	"io"
	"os"

	"replyassist/internal/completion"
	"replyassist/internal/config"
	"replyassist/internal/extract"

	"github.com/spf13/cobra"
)

func newPromptCmd(g *globalFlags) *cobra.Command {
	var (
		variant string
		tone    string
		locale  string
		raw     bool
	)
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Compose the prompt for a message read from stdin",
		Long: `Reads the text of the latest message from stdin, normalizes it the way the
thread probe does (quoted history cut off, first paragraph break joined) and prints the
prompt a click on the given style would send. Nothing is sent to the backend.

Example:
  pbpaste | replyassist prompt --variant formal --tone reject`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if locale != "" {
				cfg.Prompts.Locale = locale
			}
			tmpl, err := cfg.Templates()
			if err != nil {
				return err
			}
			v, err := completion.ParseVariant(variant)
			if err != nil {
				return err
			}
			t, err := completion.ParseTone(tone)
			if err != nil {
				return err
			}

			in, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			thread := string(in)
			if !raw {
				thread = extract.Normalize(thread, tmpl.QuoteMarker)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), completion.NewRequest(thread, t, v).Prompt(tmpl))
			return err
		},
	}
	cmd.Flags().StringVar(&variant, "variant", string(completion.Formal), "Reply style (formal, playful, friendly, sarcastic, demanding)")
	cmd.Flags().StringVar(&tone, "tone", completion.Accept.String(), "accept or reject")
	cmd.Flags().StringVar(&locale, "locale", "", "Prompt wording (overrides prompts.locale)")
	cmd.Flags().BoolVar(&raw, "raw", false, "Use stdin verbatim instead of normalizing it")
	return cmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a .replyassist/ workspace with a template config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			} else if wd, err := os.Getwd(); err == nil {
				root = wd
			}
			if err := config.InitWorkspace(root); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "initialized %s/%s\n", root, config.WorkspaceDirName)
			return err
		},
	}
}
