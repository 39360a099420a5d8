package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/cadence/internal/models"
	"github.com/fentz26/cadence/internal/scheduler"
	"github.com/spf13/cobra"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Manage campaigns",
}

var campaignCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a campaign (automation starts disabled)",
	RunE:  runCampaignCreate,
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var (
	campaignName      string
	campaignPattern   string
	campaignQuery     string
	campaignTemplates []string
	campaignMaxPerRun int
)

func init() {
	campaignCmd.AddCommand(campaignCreateCmd, campaignListCmd)

	campaignCreateCmd.Flags().StringVar(&campaignName, "name", "", "Campaign name (required)")
	campaignCreateCmd.Flags().StringVar(&campaignPattern, "pattern", "", "Address pattern of the browser context to work in (required)")
	campaignCreateCmd.Flags().StringVar(&campaignQuery, "query", "", "Discovery query passed to the executor")
	campaignCreateCmd.Flags().StringArrayVar(&campaignTemplates, "template", nil, "Message template as stage=text (repeatable)")
	campaignCreateCmd.Flags().IntVar(&campaignMaxPerRun, "max-per-run", 0, "Maximum actions per cycle (0 = no limit)")
	campaignCreateCmd.MarkFlagRequired("name")
	campaignCreateCmd.MarkFlagRequired("pattern")
}

func parseTemplates(raw []string) (map[models.Stage]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[models.Stage]string, len(raw))
	for _, t := range raw {
		stage, text, ok := strings.Cut(t, "=")
		if !ok || stage == "" {
			return nil, fmt.Errorf("template %q must be stage=text", t)
		}
		out[models.Stage(stage)] = text
	}
	return out, nil
}

func runCampaignCreate(cmd *cobra.Command, args []string) error {
	templates, err := parseTemplates(campaignTemplates)
	if err != nil {
		return err
	}
	body := models.Campaign{
		Name:              campaignName,
		ContextPattern:    campaignPattern,
		TargetCriteria:    models.TargetCriteria{Query: campaignQuery},
		TemplatesByStage:  templates,
		MaxEntitiesPerRun: campaignMaxPerRun,
	}

	resp, err := apiPost("/campaigns", body)
	if err != nil {
		return err
	}

	var c models.Campaign
	if err := json.Unmarshal(resp, &c); err != nil {
		return err
	}

	fmt.Printf("Created campaign: %s\n", c.ID)
	fmt.Printf("Automation is disabled. Run `cadence admission enable %s` to arm it.\n", c.ID)
	return nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	var campaigns []scheduler.CampaignSummary
	if err := apiGetJSON("/campaigns", &campaigns); err != nil {
		return err
	}

	if len(campaigns) == 0 {
		fmt.Println("No campaigns found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPATTERN\tPROSPECTS\tACTIVE")
	for _, c := range campaigns {
		total, active := 0, 0
		for stage, n := range c.Stages {
			total += n
			if !stage.Terminal() {
				active += n
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", truncateID(c.ID), truncate(c.Name, 30), truncate(c.ContextPattern, 40), total, active)
	}
	w.Flush()
	return nil
}
