package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KafClaw/sysagent/internal/config"
	"github.com/KafClaw/sysagent/internal/skills"
)

var skillsListJSON bool

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "Inspect the skills available to the agent",
}

var skillsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List skills in the skills directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, err := skillsLoader()
		if err != nil {
			return err
		}
		list := loader.Discover()
		out := cmd.OutOrStdout()
		if skillsListJSON {
			data, _ := json.MarshalIndent(list, "", "  ")
			fmt.Fprintln(out, string(data))
			return nil
		}
		if len(list) == 0 {
			fmt.Fprintf(out, "No skills in %s\n", loader.Dir())
			return nil
		}
		for _, s := range list {
			fmt.Fprintf(out, "%-24s %s\n", s.Name, s.Description)
		}
		return nil
	},
}

var skillsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print a skill's instructions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, err := skillsLoader()
		if err != nil {
			return err
		}
		sk, err := loader.Load(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# %s\n%s\n(%s)\n\n%s\n", sk.Name, sk.Description, sk.Dir, sk.Instructions)
		return nil
	},
}

func init() {
	skillsListCmd.Flags().BoolVar(&skillsListJSON, "json", false, "Output JSON")
	skillsCmd.AddCommand(skillsListCmd)
	skillsCmd.AddCommand(skillsShowCmd)
	rootCmd.AddCommand(skillsCmd)
}

func skillsLoader() (*skills.Loader, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return skills.NewLoader(config.ExpandHome(cfg.Paths.Skills)), nil
}
