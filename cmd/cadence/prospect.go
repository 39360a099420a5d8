package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/fentz26/cadence/internal/models"
	"github.com/spf13/cobra"
)

var prospectCmd = &cobra.Command{
	Use:   "prospect",
	Short: "Inspect and mark prospects",
}

var prospectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List prospects",
	RunE:  runProspectList,
}

var prospectMarkCmd = &cobra.Command{
	Use:   "mark [campaign-id] [identity-key]",
	Short: "Mark a prospect converted or opted_out",
	Args:  cobra.ExactArgs(2),
	RunE:  runProspectMark,
}

var (
	prospectCampaign string
	prospectStage    string
	markStage        string
)

func init() {
	prospectCmd.AddCommand(prospectListCmd, prospectMarkCmd)

	prospectListCmd.Flags().StringVar(&prospectCampaign, "campaign", "", "Filter by campaign ID")
	prospectListCmd.Flags().StringVar(&prospectStage, "stage", "", "Filter by stage")

	prospectMarkCmd.Flags().StringVar(&markStage, "stage", string(models.StageConverted), "converted or opted_out")
}

func runProspectList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if prospectCampaign != "" {
		q.Set("campaign", prospectCampaign)
	}
	if prospectStage != "" {
		q.Set("stage", prospectStage)
	}
	path := "/prospects"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var prospects []models.Prospect
	if err := apiGetJSON(path, &prospects); err != nil {
		return err
	}

	if len(prospects) == 0 {
		fmt.Println("No prospects found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CAMPAIGN\tKEY\tNAME\tSTAGE\tNEXT ACTION")
	for _, p := range prospects {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", truncateID(p.CampaignID), truncate(p.IdentityKey, 40), truncate(p.Name, 24), p.Stage, formatTime(p.ScheduledNextActionAt))
	}
	w.Flush()
	return nil
}

func runProspectMark(cmd *cobra.Command, args []string) error {
	path := fmt.Sprintf("/campaigns/%s/prospects/%s/mark", url.PathEscape(args[0]), url.PathEscape(args[1]))
	resp, err := apiPost(path, map[string]string{"stage": markStage})
	if err != nil {
		return err
	}

	var p models.Prospect
	if err := json.Unmarshal(resp, &p); err != nil {
		return err
	}
	fmt.Printf("Marked %s as %s\n", p.IdentityKey, p.Stage)
	return nil
}
