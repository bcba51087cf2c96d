package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/davidmoltin/record-automation/internal/cli"
	"github.com/davidmoltin/record-automation/internal/engine"
	"github.com/davidmoltin/record-automation/internal/models"
)

var (
	ruleTrigger   string
	ruleActive    string
	ruleTemplates bool
	ruleLimit     int
	applyInactive bool
	sampleSubject string
	sampleActor   string
	sampleRole    string
	payloadFile   string
)

var rulesCmd = &cobra.Command{
	Use:     "rules",
	Aliases: []string{"rule"},
	Short:   "Manage automation rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules",
	Long: `List rules from the automation server.

Examples:
  automation rules list
  automation rules list --trigger scheduled_inactivity --active true
  automation rules list --templates --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}

		query := url.Values{"limit": {strconv.Itoa(ruleLimit)}}
		if ruleTrigger != "" {
			query.Set("trigger_type", ruleTrigger)
		}
		if ruleActive != "" {
			query.Set("active", ruleActive)
		}
		if ruleTemplates {
			query.Set("template", "true")
		}

		result, err := client.ListRules(query)
		if err != nil {
			return fmt.Errorf("failed to list rules: %w", err)
		}
		if outputJSON {
			return printJSON(result)
		}
		printRuleList(result)
		return nil
	},
}

var rulesGetCmd = &cobra.Command{
	Use:   "get [rule-id]",
	Short: "Show a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		rule, err := client.GetRule(args[0])
		if err != nil {
			return fmt.Errorf("failed to get rule: %w", err)
		}
		if outputJSON {
			return printJSON(rule)
		}
		printRuleInfo(rule)
		return nil
	},
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate [rules-file]",
	Short: "Validate rule definitions offline",
	Long: `Validate one or more rule documents (YAML or JSON, separated by ---) without
contacting the server. Conditions, triggers and schedules are checked locally;
action configuration is checked by the server on apply.

Examples:
  automation rules validate rules.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		results, err := cli.ValidateRuleFile(args[0])
		if err != nil {
			return err
		}

		if outputJSON {
			if err := printJSON(results); err != nil {
				return err
			}
		} else {
			for _, r := range results {
				if r.Valid {
					fmt.Printf("✅ %s\n", r.Name)
					continue
				}
				fmt.Printf("❌ %s\n", r.Name)
				for _, e := range r.Errors {
					fmt.Printf("  - %s\n", e)
				}
			}
		}

		for _, r := range results {
			if !r.Valid {
				return errors.New("validation failed")
			}
		}
		return nil
	},
}

var rulesApplyCmd = &cobra.Command{
	Use:   "apply [rules-file]",
	Short: "Create or update rules from a file",
	Long: `Validate a rules file, then create each rule on the server. Documents that
carry an id update that rule instead.

Examples:
  automation rules apply rules.yaml
  automation rules apply drafts.yaml --inactive`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		results, err := cli.ValidateRuleFile(args[0])
		if err != nil {
			return err
		}
		for _, r := range results {
			if !r.Valid {
				return fmt.Errorf("rule %q is invalid: %v", r.Name, r.Errors)
			}
		}

		rules, err := cli.LoadRulesFromFile(args[0])
		if err != nil {
			return err
		}
		client, err := connect()
		if err != nil {
			return err
		}

		var applied []*models.Rule
		for _, rule := range rules {
			var saved *models.Rule
			if rule.ID != uuid.Nil {
				saved, err = client.UpdateRule(rule.ID.String(), cli.UpdateRequest(rule))
			} else {
				saved, err = client.CreateRule(cli.CreateRequest(rule, !applyInactive))
			}
			if err != nil {
				return fmt.Errorf("failed to apply %q: %w", rule.Name, err)
			}
			applied = append(applied, saved)
			if !outputJSON {
				fmt.Printf("🚀 %s applied (%s, v%d)\n", saved.Name, saved.ID, saved.Version)
			}
		}

		if outputJSON {
			return printJSON(applied)
		}
		return nil
	},
}

var rulesActivateCmd = &cobra.Command{
	Use:   "activate [rule-id]",
	Short: "Activate a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setRuleActive(args[0], true)
	},
}

var rulesDeactivateCmd = &cobra.Command{
	Use:   "deactivate [rule-id]",
	Short: "Deactivate a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setRuleActive(args[0], false)
	},
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete [rule-id]",
	Short: "Delete a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		if err := client.DeleteRule(args[0]); err != nil {
			return fmt.Errorf("failed to delete rule: %w", err)
		}
		fmt.Printf("🗑️  Rule %s deleted\n", args[0])
		return nil
	},
}

var rulesTestCmd = &cobra.Command{
	Use:   "test [rule-id]",
	Short: "Dry-run a rule against sample input",
	Long: `Evaluate a rule's conditions and describe each action it would run, without
executing anything.

Examples:
  automation rules test <rule-id> --subject rec-42
  automation rules test <rule-id> --payload sample.json --role adviser`,
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

		plan, err := client.TestRule(args[0], &models.TestRuleRequest{
			SubjectID:     optional(sampleSubject),
			ActorID:       optional(sampleActor),
			ActorRole:     sampleRole,
			SamplePayload: payload,
		})
		if err != nil {
			return fmt.Errorf("failed to test rule: %w", err)
		}
		if outputJSON {
			return printJSON(plan)
		}
		printPlan(plan)
		return nil
	},
}

var rulesExecuteCmd = &cobra.Command{
	Use:   "execute [rule-id]",
	Short: "Run a manual rule now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(payloadFile)
		if err != nil {
			return err
		}
		client, err := connect()
		if err != nil {
			return err
		}

		accepted, err := client.ExecuteRule(args[0], &models.ExecuteRuleRequest{
			SubjectID: optional(sampleSubject),
			ActorID:   optional(sampleActor),
			ActorRole: sampleRole,
			Payload:   payload,
		})
		if err != nil {
			return fmt.Errorf("failed to execute rule: %w", err)
		}
		if outputJSON {
			return printJSON(accepted)
		}
		fmt.Printf("⏳ Execution %s queued\n", accepted.ExecutionID)
		fmt.Printf("  Follow it with: automation executions logs %s\n", accepted.ExecutionID)
		return nil
	},
}

var rulesInstantiateCmd = &cobra.Command{
	Use:   "instantiate [template-id] [name]",
	Short: "Create an active rule from a template",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		name := ""
		if len(args) == 2 {
			name = args[1]
		}
		rule, err := client.InstantiateRule(args[0], name)
		if err != nil {
			return fmt.Errorf("failed to instantiate template: %w", err)
		}
		if outputJSON {
			return printJSON(rule)
		}
		printRuleInfo(rule)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesListCmd, rulesGetCmd, rulesValidateCmd, rulesApplyCmd, rulesActivateCmd,
		rulesDeactivateCmd, rulesDeleteCmd, rulesTestCmd, rulesExecuteCmd, rulesInstantiateCmd)

	rulesListCmd.Flags().StringVar(&ruleTrigger, "trigger", "", "Filter by trigger type")
	rulesListCmd.Flags().StringVar(&ruleActive, "active", "", "Filter by state (true or false)")
	rulesListCmd.Flags().BoolVar(&ruleTemplates, "templates", false, "Show only templates")
	rulesListCmd.Flags().IntVar(&ruleLimit, "limit", 50, "Number of rules to show")

	rulesApplyCmd.Flags().BoolVar(&applyInactive, "inactive", false, "Create new rules inactive unless the document activates them")

	for _, c := range []*cobra.Command{rulesTestCmd, rulesExecuteCmd} {
		c.Flags().StringVar(&sampleSubject, "subject", "", "Subject record ID")
		c.Flags().StringVar(&sampleActor, "actor", "", "Actor ID")
		c.Flags().StringVar(&sampleRole, "role", "", "Actor role")
		c.Flags().StringVar(&payloadFile, "payload", "", "JSON file with the trigger payload")
	}
}

func setRuleActive(id string, active bool) error {
	client, err := connect()
	if err != nil {
		return err
	}
	rule, err := client.SetRuleActive(id, active)
	if err != nil {
		var apiErr *cli.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			return fmt.Errorf("rule %s cannot change state: %s", id, apiErr.Message)
		}
		return fmt.Errorf("failed to change rule state: %w", err)
	}
	if outputJSON {
		return printJSON(rule)
	}
	fmt.Printf("✅ %s is now %s\n", rule.Name, activeLabel(rule))
	return nil
}

func readPayload(path string) (map[string]interface{}, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func activeLabel(rule *models.Rule) string {
	switch {
	case rule.IsTemplate:
		return "template"
	case rule.IsActive:
		return "active"
	default:
		return "inactive"
	}
}

func printRuleList(result *models.RuleListResponse) {
	if len(result.Rules) == 0 {
		fmt.Println("📭 No rules found")
		fmt.Println("\n💡 Apply rules from a file:")
		fmt.Println("  automation rules apply rules.yaml")
		return
	}

	fmt.Printf("\n📋 Showing %d of %d rule(s):\n\n", len(result.Rules), result.Total)
	fmt.Printf("%-36s  %-28s  %-22s  %-8s  %s\n", "ID", "NAME", "TRIGGER", "STATE", "VERSION")
	for _, r := range result.Rules {
		fmt.Printf("%-36s  %-28s  %-22s  %-8s  v%d\n", r.ID, truncate(r.Name, 28), r.TriggerType, activeLabel(r), r.Version)
	}
}

func printRuleInfo(rule *models.Rule) {
	fmt.Printf("\n📦 Rule Details:\n")
	fmt.Printf("  ID:         %s\n", rule.ID)
	fmt.Printf("  Name:       %s\n", rule.Name)
	fmt.Printf("  Trigger:    %s\n", rule.TriggerType)
	fmt.Printf("  State:      %s\n", activeLabel(rule))
	fmt.Printf("  Version:    %d\n", rule.Version)
	fmt.Printf("  On failure: %s\n", rule.FailurePolicy)
	fmt.Printf("  Actions:\n")
	for i, a := range rule.Actions {
		fmt.Printf("    %d. %s\n", i+1, a.Type)
	}
	fmt.Printf("  Updated:    %s\n", rule.UpdatedAt.Format("2006-01-02 15:04:05"))
}

func printPlan(plan *models.ExecutionPlan) {
	if plan.ConditionsMet {
		fmt.Println("✅ Conditions met")
	} else {
		fmt.Println("🚫 Conditions not met")
	}
	if plan.Explanation != "" {
		fmt.Printf("  %s\n", plan.Explanation)
	}

	fmt.Println("\n📝 Steps:")
	for _, step := range plan.Steps {
		marker := "▶"
		if !step.WouldExecute {
			marker = "⏭"
		}
		fmt.Printf("  %s %d. %-20s %s (~%s)\n", marker, step.Index+1, step.ActionType, step.Description, step.EstimatedDuration)
		if step.ValidationError != "" {
			fmt.Printf("       ⚠️  %s\n", step.ValidationError)
		}
	}
	fmt.Printf("\n⏱  Estimated total: %s\n", engine.TotalEstimate(plan))
}
