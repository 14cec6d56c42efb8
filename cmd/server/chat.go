// cmd/server/chat.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Corphon/PersonaRelay/internal/app"
	"github.com/Corphon/PersonaRelay/internal/services"
)

const defaultConsoleUserID = "console_user"

type chatFlags struct {
	personaID string
	groupID   string
	userID    string
	apiKey    string
	message   string
}

func chatCmd() *cobra.Command {
	var f chatFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to a persona or a group from the terminal",
		Long:  "Sends --message once, or reads lines from stdin until EOF or /quit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (f.personaID == "") == (f.groupID == "") {
				return fmt.Errorf("exactly one of --persona or --group is required")
			}
			return runChat(cmd.Context(), f, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.personaID, "persona", "", "persona id")
	cmd.Flags().StringVar(&f.groupID, "group", "", "group id")
	cmd.Flags().StringVar(&f.userID, "user", defaultConsoleUserID, "user id keying the conversation")
	cmd.Flags().StringVar(&f.apiKey, "api-key", defaultAPIKey(), "provider key (env "+apiKeyEnv+")")
	cmd.Flags().StringVarP(&f.message, "message", "m", "", "send a single message and exit")
	return cmd
}

func runChat(ctx context.Context, f chatFlags, in io.Reader, out io.Writer) error {
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if f.message != "" {
		return sendLine(ctx, a, f, f.message, out)
	}

	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
		case "/quit", "/exit":
			return nil
		default:
			if err := sendLine(ctx, a, f, line, out); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func sendLine(ctx context.Context, a *app.App, f chatFlags, line string, out io.Writer) error {
	if f.groupID != "" {
		result, err := a.Chat.SendGroup(ctx, services.GroupSendRequest{
			UserID:  f.userID,
			GroupID: f.groupID,
			Message: line,
			APIKey:  f.apiKey,
		}, nil)
		if err != nil {
			return err
		}
		for _, reply := range result.Responses {
			fmt.Fprintf(out, "%s [%s]: %s\n", reply.PersonaName, reply.Mood, reply.Response)
		}
		return nil
	}

	result, err := a.Chat.Send(ctx, services.SendRequest{
		UserID:    f.userID,
		PersonaID: f.personaID,
		Message:   line,
		APIKey:    f.apiKey,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "[%s] %s\n", result.Mood, result.Response)
	return nil
}
