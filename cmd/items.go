package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/story-harvester/internal/harvest"
	"github.com/JakeFAU/story-harvester/internal/usage"
)

// newItemsCmd creates the 'items' subcommand.
func newItemsCmd() *cobra.Command {
	var eligible, unused bool
	cmd := &cobra.Command{
		Use:   "items",
		Short: "Prints stored items as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var items []harvest.Item
			switch {
			case unused:
				items, err = appInstance.Selector().Candidates(ctx)
			case eligible:
				var all []harvest.Item
				if all, err = appInstance.Store().LoadAll(ctx); err == nil {
					items, err = harvest.SelectEligible(ctx, all, appInstance.Config().SelectionRules(), nil)
				}
			default:
				items, err = appInstance.Store().LoadAll(ctx)
			}
			if err != nil {
				return fmt.Errorf("list items: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, it := range items {
				if err := enc.Encode(it); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&eligible, "eligible", false, "only items passing admission and the body window")
	cmd.Flags().BoolVar(&unused, "unused", false, "only eligible items not yet selected")
	return cmd
}

// newSelectCmd creates the 'select' subcommand.
func newSelectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select",
		Short: "Picks one eligible unused item and marks it used",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			item, err := appInstance.Selector().Next(cmd.Context())
			if errors.Is(err, usage.ErrNoEligibleItems) {
				return fmt.Errorf("nothing to select: run crawl first")
			}
			if err != nil {
				return fmt.Errorf("select item: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(item)
		},
	}
}
