// cmd/server/reflect.go
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Corphon/PersonaRelay/internal/models"
)

func reflectCmd() *cobra.Command {
	var (
		conversationID string
		apiKey         string
	)
	cmd := &cobra.Command{
		Use:   "reflect <persona-id>",
		Short: "Print a persona's inner thought",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			persona, err := a.Store.GetPersona(ctx, args[0])
			if err != nil {
				return fmt.Errorf("load persona %s: %w", args[0], err)
			}
			var history []models.Message
			if conversationID != "" {
				if history, err = a.Chat.History(ctx, conversationID); err != nil {
					return err
				}
			}
			dispatcher, err := a.Dispatchers.ForAPIKey(apiKey)
			if err != nil {
				return err
			}

			reflection, err := a.Reflection.Reflect(ctx, dispatcher, persona, history)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", reflection.Content, reflection.MoodCode.Label())
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation whose recent messages seed the thought")
	cmd.Flags().StringVar(&apiKey, "api-key", defaultAPIKey(), "provider key (env "+apiKeyEnv+")")
	return cmd
}
