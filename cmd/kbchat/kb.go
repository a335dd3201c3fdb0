package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func runKBShow(cmd *cobra.Command, args []string) error {
	info, err := lookup(newRelay()).Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\t%s\n", info.ID)
	fmt.Fprintf(tw, "Name\t%s\n", kbStyle.Sprint(info.Name))
	if info.Description != "" {
		fmt.Fprintf(tw, "Description\t%s\n", info.Description)
	}
	fmt.Fprintf(tw, "Documents\t%d\n", info.DocumentCount)
	if info.EmbeddingModel != "" {
		fmt.Fprintf(tw, "Embedding model\t%s\n", info.EmbeddingModel)
	}
	if !info.CreatedAt.IsZero() {
		fmt.Fprintf(tw, "Created\t%s\n", info.CreatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func runParamsShow(cmd *cobra.Command, _ []string) error {
	store := paramsStore()
	p, err := store.Load(cmd.Context())
	if err != nil {
		return err
	}
	if p.APIKey != "" {
		p.APIKey = "********"
	}
	out, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	infoStyle.Fprintf(cmd.OutOrStdout(), "# %s\n", store.Path())
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func runParamsSet(cmd *cobra.Command, _ []string) error {
	store := paramsStore()
	p, err := store.Load(cmd.Context())
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("temperature") {
		t, _ := flags.GetFloat64("temperature")
		p.Temperature = &t
	}
	if flags.Changed("max-tokens") {
		p.MaxTokens, _ = flags.GetInt("max-tokens")
	}
	if flags.Changed("system-prompt") {
		p.SystemPrompt, _ = flags.GetString("system-prompt")
	}
	if flags.Changed("model-base-url") {
		p.BaseURL, _ = flags.GetString("model-base-url")
	}
	if flags.Changed("model-api-key") {
		p.APIKey, _ = flags.GetString("model-api-key")
	}
	if (p.BaseURL == "") != (p.APIKey == "") {
		infoStyle.Fprintln(cmd.ErrOrStderr(), "note: a custom model endpoint is only used when both base URL and API key are set")
	}

	if err := store.Save(cmd.Context(), p); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", store.Path())
	return nil
}
