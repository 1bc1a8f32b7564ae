package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/socmind/socmind/internal/chat"
	"github.com/socmind/socmind/internal/timeline"
)

// Society is the seed file layout: members first, then the chats they start in.
type Society struct {
	Members []SeedMember `yaml:"members"`
	Chats   []SeedChat   `yaml:"chats"`
}

// SeedMember provisions one member.
type SeedMember struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Kind         string `yaml:"kind"`
	Instructions string `yaml:"instructions"`
}

// SeedChat provisions one chat. Chats are matched by name, so reseeding is
// idempotent.
type SeedChat struct {
	Name    string   `yaml:"name"`
	Topic   string   `yaml:"topic"`
	Members []string `yaml:"members"`
}

var (
	seedFile       string
	seedConfigPath string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Provision members and chats from a society file",
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging("warn")
		soc, err := readSociety(seedFile)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(seedConfigPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		ctx := cmd.Context()
		rt, err := openRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		res, err := applySociety(ctx, rt.store, rt.coord, soc)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %d members, %d chats created, %d chats already present\n",
			color.GreenString("✓"), res.Members, res.ChatsCreated, res.ChatsSkipped)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "society.yaml", "society file")
	seedCmd.Flags().StringVarP(&seedConfigPath, "config", "c", "", "config file (default ~/.socmind/config.json)")
}

func readSociety(path string) (*Society, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read society: %w", err)
	}
	return parseSociety(data)
}

func parseSociety(data []byte) (*Society, error) {
	var soc Society
	if err := yaml.Unmarshal(data, &soc); err != nil {
		return nil, fmt.Errorf("parse society: %w", err)
	}
	for i, m := range soc.Members {
		if strings.TrimSpace(m.ID) == "" {
			return nil, fmt.Errorf("members[%d]: id is required", i)
		}
		switch strings.ToUpper(m.Kind) {
		case "", timeline.KindAutomated:
			soc.Members[i].Kind = timeline.KindAutomated
		case timeline.KindHuman:
			soc.Members[i].Kind = timeline.KindHuman
		default:
			return nil, fmt.Errorf("members[%d]: unknown kind %q", i, m.Kind)
		}
		if m.Name == "" {
			soc.Members[i].Name = m.ID
		}
	}
	for i, c := range soc.Chats {
		if len(c.Members) == 0 {
			return nil, fmt.Errorf("chats[%d]: members is required", i)
		}
	}
	return &soc, nil
}

type seedResult struct {
	Members      int
	ChatsCreated int
	ChatsSkipped int
}

func applySociety(ctx context.Context, store *timeline.Service, coord *chat.Coordinator, soc *Society) (seedResult, error) {
	var res seedResult
	for _, m := range soc.Members {
		if err := store.UpsertMember(ctx, &timeline.Member{ID: m.ID, Name: m.Name, Kind: m.Kind, Instructions: m.Instructions}); err != nil {
			return res, fmt.Errorf("member %s: %w", m.ID, err)
		}
		res.Members++
	}

	existing, err := store.ListChats(ctx)
	if err != nil {
		return res, err
	}
	names := make(map[string]bool, len(existing))
	for _, c := range existing {
		if c.Name != "" {
			names[c.Name] = true
		}
	}
	for _, c := range soc.Chats {
		if c.Name != "" && names[c.Name] {
			res.ChatsSkipped++
			continue
		}
		if _, err := coord.CreateChat(ctx, c.Members, c.Name, c.Topic, ""); err != nil {
			return res, fmt.Errorf("chat %q: %w", c.Name, err)
		}
		names[c.Name] = true
		res.ChatsCreated++
	}
	return res, nil
}
