package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davidmoltin/record-automation/internal/models"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Send domain events",
}

var eventsSendCmd = &cobra.Command{
	Use:   "send [event-type]",
	Short: "Send a domain event and report the runs it started",
	Long: `Send an event as the record application would. Webhook and schedule
triggers have their own entry points and cannot be sent here.

Examples:
  automation events send record_created --subject rec-42
  automation events send status_changed --subject rec-42 --payload change.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(payloadFile)
		if err != nil {
			return err
		}
		client, err := connect()
		if err != nil {
			return err
		}

		result, err := client.SendEvent(&models.IngestEventRequest{
			EventType: models.TriggerType(args[0]),
			SubjectID: sampleSubject,
			ActorID:   sampleActor,
			ActorRole: sampleRole,
			Payload:   payload,
		})
		if err != nil {
			return fmt.Errorf("failed to send event: %w", err)
		}
		if outputJSON {
			return printJSON(result)
		}

		fmt.Printf("📨 %s matched %d rule(s)\n", result.EventType, result.MatchedRules)
		for _, id := range result.ExecutionIDs {
			fmt.Printf("  ⏳ %s\n", id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsSendCmd)

	eventsSendCmd.Flags().StringVar(&sampleSubject, "subject", "", "Subject record ID")
	eventsSendCmd.Flags().StringVar(&sampleActor, "actor", "", "Actor ID")
	eventsSendCmd.Flags().StringVar(&sampleRole, "role", "", "Actor role")
	eventsSendCmd.Flags().StringVar(&payloadFile, "payload", "", "JSON file with the event payload")
}
