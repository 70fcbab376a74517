package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/config"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/storage"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/tools"
)

// openAdminStore opens the persistent store named by the config. The memory
// store is rejected since nothing written to it would outlive the command.
func openAdminStore(configPath, dbPath string) (adminStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dbPath != "" {
		cfg.Storage.Type = "sqlite"
		cfg.Storage.SQLite.Path = dbPath
	}
	if cfg.Storage.Type == "memory" {
		return nil, fmt.Errorf("storage type memory cannot be administered; use --db")
	}
	return openStore(cfg.Storage)
}

// withStore runs fn against the store selected by the command's flags.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, s adminStore) error) error {
	configPath, _ := cmd.Flags().GetString("config")
	dbPath, _ := cmd.Flags().GetString("db")

	s, err := openAdminStore(configPath, dbPath)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, s)
}

func addStoreFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("config", "c", "", "Path to YAML configuration file")
	cmd.PersistentFlags().String("db", "", "SQLite database path (overrides config)")
}

// =============================================================================
// Policy Commands
// =============================================================================

func buildPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage per-backend tool policies",
		Long: `Tool policies decide which tools a backend may be offered. A tool with
no policy is disabled.`,
	}
	addStoreFlags(cmd)
	cmd.AddCommand(buildPolicySetCmd(), buildPolicyListCmd(), buildPolicyAllowCmd())
	return cmd
}

func buildPolicySetCmd() *cobra.Command {
	var (
		enabled bool
		note    string
	)
	cmd := &cobra.Command{
		Use:   "set <backend> <tool>",
		Short: "Create or update a tool policy",
		Example: `  gateway policy set openai web_search --enabled
  gateway policy set anthropic python_execute --enabled=false --note "under review"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := domain.ParseBackend(args[0])
			if err != nil {
				return err
			}
			tool := args[1]
			if !knownTool(tool) {
				return fmt.Errorf("%w: %q", tools.ErrUnknownTool, tool)
			}
			return withStore(cmd, func(ctx context.Context, s adminStore) error {
				p, err := s.UpsertToolPolicy(ctx, domain.ToolPolicy{
					Backend:    backend,
					Tool:       tool,
					Enabled:    enabled,
					SafetyNote: note,
				})
				if err != nil {
					return fmt.Errorf("save policy: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s enabled=%t\n", p.ID, p.Enabled)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&enabled, "enabled", true, "Whether the tool may be offered")
	cmd.Flags().StringVar(&note, "note", "", "Safety note shown with the policy")
	return cmd
}

func buildPolicyListCmd() *cobra.Command {
	var backendName string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tool policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backends := domain.Backends
			if backendName != "" {
				b, err := domain.ParseBackend(backendName)
				if err != nil {
					return err
				}
				backends = []domain.Backend{b}
			}
			return withStore(cmd, func(ctx context.Context, s adminStore) error {
				allow, err := s.ActiveToolPolicyAllowlist(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tENABLED\tACTIVE\tNOTE")
				for _, b := range backends {
					policies, err := s.ListToolPolicies(ctx, b)
					if err != nil {
						return fmt.Errorf("list %s policies: %w", b, err)
					}
					for _, p := range policies {
						active := allow == nil
						if !active {
							_, active = allow[p.ID]
						}
						fmt.Fprintf(w, "%s\t%t\t%t\t%s\n", p.ID, p.Enabled, active, p.SafetyNote)
					}
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVarP(&backendName, "backend", "b", "", "Only list this backend")
	return cmd
}

func buildPolicyAllowCmd() *cobra.Command {
	var lift bool
	cmd := &cobra.Command{
		Use:   "allow [policy-id...]",
		Short: "Restrict the policies in force",
		Long: `Replace the active policy allowlist. Policies outside the list are
ignored as if absent. --clear lifts the restriction.`,
		Example: `  gateway policy allow openai:web_search gemini:web_search
  gateway policy allow --clear`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if lift == (len(args) > 0) {
				return fmt.Errorf("give policy ids or --clear")
			}
			var ids []string
			if !lift {
				ids = args
			}
			return withStore(cmd, func(ctx context.Context, s adminStore) error {
				return s.SetToolPolicyAllowlist(ctx, ids)
			})
		},
	}
	cmd.Flags().BoolVar(&lift, "clear", false, "Lift the allowlist")
	return cmd
}

func knownTool(name string) bool {
	switch name {
	case tools.WebSearch, tools.PythonExecute, tools.GoExecute:
		return true
	}
	return false
}

// =============================================================================
// Layer, Credential and Template Commands
// =============================================================================

func buildLayerCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "layer <expert|knowledge|profile> <key> [text]",
		Short: "Store an instruction layer",
		Long: `Store the text of an instruction layer. The key is the expert id, the
project id ("" for the global knowledge layer) or the user id. Text is read
from --file when given.`,
		Example: `  gateway layer knowledge "" "Company style guide..."
  gateway layer expert lawyer --file prompts/lawyer.md`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := textArg(args[2:], file)
			if err != nil {
				return err
			}
			kind, key := args[0], args[1]
			return withStore(cmd, func(ctx context.Context, s adminStore) error {
				switch kind {
				case "expert":
					return s.SetExpertPrompt(ctx, key, text)
				case "knowledge":
					return s.SetKnowledgeLayer(ctx, key, text)
				case "profile":
					return s.SetProfileLayer(ctx, key, text)
				default:
					return fmt.Errorf("unknown layer %q", kind)
				}
			})
		},
	}
	addStoreFlags(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the text from this file")
	return cmd
}

func buildCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential <user-id> <backend> <api-key>",
		Short: "Store a user's own backend key",
		Long: `Store the key a user brings for a backend. It takes precedence over the
platform key. An empty key removes it.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := domain.ParseBackend(args[1])
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, s adminStore) error {
				return s.SetUserCredential(ctx, args[0], backend, args[2])
			})
		},
	}
	addStoreFlags(cmd)
	return cmd
}

func buildTemplateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template <file.json>",
		Short: "Store an output template",
		Long: `Store an output template read from a JSON file:

  {"id": "brief", "name": "Brief", "instructions": "...",
   "required_sections": ["Summary", "Next steps"]}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var t storage.OutputTemplate
			if err := json.Unmarshal(data, &t); err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}
			if strings.TrimSpace(t.ID) == "" {
				return fmt.Errorf("template id is required")
			}
			return withStore(cmd, func(ctx context.Context, s adminStore) error {
				if err := s.PutOutputTemplate(ctx, &t); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored template %s\n", t.ID)
				return nil
			})
		},
	}
	addStoreFlags(cmd)
	return cmd
}

func textArg(args []string, file string) (string, error) {
	switch {
	case file != "" && len(args) > 0:
		return "", fmt.Errorf("give text or --file, not both")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case len(args) > 0:
		return args[0], nil
	default:
		return "", fmt.Errorf("text is required")
	}
}
