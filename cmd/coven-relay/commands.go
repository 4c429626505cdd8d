// ABOUTME: Subcommands for coven-relay
// ABOUTME: serve, check, capabilities, history, token and version

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/capability"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/gateway"
	"github.com/2389/coven-relay/internal/store"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("coven-relay %s\n", version)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cyan := color.New(color.FgCyan)
		cyan.Print(banner)
		gray := color.New(color.FgHiBlack)
		gray.Printf("    version: %s\n\n", version)

		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		logger := setupLogger(cfg.Logging)

		green := color.New(color.FgGreen)
		if path == "" {
			path = "(defaults)"
		}
		green.Print("    ▶ ")
		fmt.Printf("Config:    %s\n", path)
		green.Print("    ▶ ")
		fmt.Printf("Transport: %s\n", cfg.Transport.Kind)
		if cfg.Transport.Listen != "" {
			green.Print("    ▶ ")
			fmt.Printf("Inbox:     %s\n", cfg.Transport.Listen)
		}
		green.Print("    ▶ ")
		fmt.Printf("Database:  %s\n", cfg.Database.Path)
		fmt.Println()

		gw, err := gateway.New(cfg, logger)
		if err != nil {
			return fmt.Errorf("creating relay: %w", err)
		}
		return gw.Run(cmd.Context())
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Load and validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		if path == "" {
			path = "(defaults)"
		}
		color.Green("✓ %s is valid", path)
		fmt.Printf("  relay:      %d attempts, backoff %s..%s, attempt timeout %s\n",
			cfg.Relay.MaxAttempts, cfg.Relay.BaseBackoff, cfg.Relay.MaxBackoff, cfg.Relay.AttemptTimeout)
		fmt.Printf("  transport:  %s\n", cfg.Transport.Kind)
		fmt.Printf("  enrichment: %s\n", strings.Join(cfg.Transform.Enrich, ", "))
		fmt.Printf("  auth:       %t\n", cfg.Auth.Enabled)
		if cfg.Capabilities.Catalog != "" {
			r := capability.NewRegistry(nil)
			if err := r.LoadCatalog(cfg.Capabilities.Catalog); err != nil {
				return err
			}
			fmt.Printf("  catalog:    %d capabilities\n", len(r.Capabilities()))
		}
		return nil
	},
}

var catalogFlag string

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "List the capabilities defined in a catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := catalogFlag
		if path == "" {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			path = cfg.Capabilities.Catalog
		}
		if path == "" {
			return errors.New("no catalog: set capabilities.catalog or pass --catalog")
		}

		r := capability.NewRegistry(nil)
		if err := r.LoadCatalog(path); err != nil {
			return err
		}
		for _, c := range r.Capabilities() {
			color.New(color.Bold).Print(c.ID)
			if c.Name != "" {
				fmt.Printf("  %s", c.Name)
			}
			fmt.Println()
			if c.Description != "" {
				fmt.Printf("    %s\n", c.Description)
			}
			if len(c.RequiredCapabilities) > 0 {
				fmt.Printf("    requires:         %s\n", strings.Join(c.RequiredCapabilities, ", "))
			}
			if len(c.IncompatibleWith) > 0 {
				fmt.Printf("    incompatible with: %s\n", strings.Join(c.IncompatibleWith, ", "))
			}
		}
		return nil
	},
}

var (
	historyLimit  int
	historyEvents bool
	historyJSON   bool
)

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show persisted messages or events of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer s.Close()

		ctx := cmd.Context()
		convID := args[0]

		var rows any
		if historyEvents {
			events, err := s.QueryEvents(ctx, convID, store.EventFilter{Limit: historyLimit})
			if err != nil {
				return err
			}
			if !historyJSON {
				for _, e := range events {
					fmt.Printf("%s %-20s %-10s %s\n",
						color.HiBlackString(e.Timestamp.Format(time.RFC3339)), e.Type, e.ActorID, describeEvent(e))
				}
				return nil
			}
			rows = events
		} else {
			msgs, err := s.QueryMessages(ctx, convID, store.MessageFilter{Limit: historyLimit})
			if err != nil {
				return err
			}
			if !historyJSON {
				for _, m := range msgs {
					fmt.Printf("%s #%d %s: %s\n",
						color.HiBlackString(m.CreatedAt.Format(time.RFC3339)), m.Sequence, color.CyanString(m.SenderID), m.Content)
				}
				return nil
			}
			rows = msgs
		}

		data, err := json.Marshal(rows)
		if err != nil {
			return err
		}
		out := pretty.Pretty(data)
		if !color.NoColor {
			out = pretty.Color(out, nil)
		}
		fmt.Print(string(out))
		return nil
	},
}

func describeEvent(e *store.Event) string {
	switch {
	case e.RecipientID != "":
		return fmt.Sprintf("%s -> %s %s", e.MessageID, e.RecipientID, e.To)
	case e.From != "" || e.To != "":
		return fmt.Sprintf("%s -> %s", e.From, e.To)
	default:
		return e.Detail
	}
}

var (
	tokenPrincipal     string
	tokenOps           []string
	tokenConversations []string
	tokenTTL           time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed grant token for a principal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is not set")
		}
		if tokenPrincipal == "" {
			return errors.New("--principal is required")
		}

		ops := make([]conversation.Operation, len(tokenOps))
		for i, op := range tokenOps {
			ops[i] = conversation.Operation(op)
		}
		token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Sign(auth.Grant{
			PrincipalID:   tokenPrincipal,
			Operations:    ops,
			Conversations: tokenConversations,
		}, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	capabilitiesCmd.Flags().StringVar(&catalogFlag, "catalog", "", "catalog file (overrides capabilities.catalog)")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 100, "maximum rows")
	historyCmd.Flags().BoolVar(&historyEvents, "events", false, "show events instead of messages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print JSON")

	tokenCmd.Flags().StringVar(&tokenPrincipal, "principal", "", "principal the grant is for")
	tokenCmd.Flags().StringSliceVar(&tokenOps, "ops", []string{string(conversation.OpSubmit)}, "granted operations, * for all")
	tokenCmd.Flags().StringSliceVar(&tokenConversations, "conversations", []string{auth.Wildcard}, "conversation IDs, * for all")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime, 0 for none")
}
