// aex is the operator CLI for the AEX gateway: it runs the daemon, manages
// agent accounts, and audits the ledger offline.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Auro-rium/aex/internal/config"
	"github.com/Auro-rium/aex/internal/identity"
	"github.com/Auro-rium/aex/internal/replay"
	"github.com/Auro-rium/aex/internal/store"
	"github.com/Auro-rium/aex/pkg/models"
	"github.com/Auro-rium/aex/pkg/server"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	root := &cobra.Command{
		Use:           "aex",
		Short:         "AEX governance gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), auditCmd(), agentCmd())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			srv, err := server.New(ctx)
			if err != nil {
				return err
			}
			defer srv.Store.Close()
			defer srv.ShutdownFunc(context.Background())

			httpServer := &http.Server{
				Addr:        fmt.Sprintf(":%d", srv.Config.Port),
				Handler:     srv.Handler,
				ReadTimeout: 30 * time.Second,
				IdleTimeout: 120 * time.Second,
			}
			go func() {
				sigChan := make(chan os.Signal, 1)
				signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
				<-sigChan
				log.Info().Msg("Shutting down gracefully...")
				cancel()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer shutdownCancel()
				httpServer.Shutdown(shutdownCtx)
			}()

			log.Info().Int("port", srv.Config.Port).Msg("AEX gateway ready")
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Verify the ledger hash chain and reconcile balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			report, err := replay.New(st).Verify(cmd.Context())
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(report, "", "  ")
			fmt.Println(string(out))
			if !report.OK() {
				return fmt.Errorf("ledger verification failed: %d chain breaks, %d balance drifts",
					len(report.Breaks), len(report.Drifts))
			}
			return nil
		},
	}
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agent accounts",
	}
	cmd.AddCommand(agentCreateCmd(), agentListCmd(), agentTopupCmd(), agentRotateCmd())
	return cmd
}

func agentCreateCmd() *cobra.Command {
	var (
		budgetMicro int64
		rpm, tpm    int64
		streaming   bool
		tools       bool
		vision      bool
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an agent and print its bearer token (shown once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return fmt.Errorf("mint token: %w", err)
			}
			token := hex.EncodeToString(raw)

			agent := &models.Agent{
				ID:          ulid.Make().String(),
				Name:        args[0],
				TokenHash:   identity.HashToken(token),
				Scope:       models.ScopeExecution,
				BudgetMicro: budgetMicro,
				RPMLimit:    rpm,
				TPMLimit:    tpm,
				Capabilities: models.Capabilities{
					Streaming: streaming,
					Tools:     tools,
					Vision:    vision,
				},
			}
			if err := st.CreateAgent(cmd.Context(), agent); err != nil {
				return err
			}
			fmt.Printf("agent_id: %s\n", agent.ID)
			fmt.Printf("token:    %s\n", token)
			fmt.Println("Store the token now; only its hash is kept.")
			return nil
		},
	}
	cmd.Flags().Int64Var(&budgetMicro, "budget-micro", 10_000_000, "budget in micro-units (1 USD = 1000000)")
	cmd.Flags().Int64Var(&rpm, "rpm", 60, "requests per minute, 0 = unlimited")
	cmd.Flags().Int64Var(&tpm, "tpm", 100_000, "tokens per minute, 0 = unlimited")
	cmd.Flags().BoolVar(&streaming, "streaming", true, "allow streaming")
	cmd.Flags().BoolVar(&tools, "tools", false, "allow tool use")
	cmd.Flags().BoolVar(&vision, "vision", false, "allow vision input")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agent accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			agents, err := st.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			for _, a := range agents {
				fmt.Printf("%-26s  %-20s  %-9s  budget=%dµ spent=%dµ reserved=%dµ\n",
					a.ID, a.Name, a.Lifecycle, a.BudgetMicro, a.SpentMicro, a.ReservedMicro)
			}
			return nil
		},
	}
}

func agentTopupCmd() *cobra.Command {
	var deltaMicro int64
	cmd := &cobra.Command{
		Use:   "topup <name>",
		Short: "Raise an agent's budget ceiling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			agent, err := st.GetAgentByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := st.TopUpBudget(cmd.Context(), agent.ID, deltaMicro); err != nil {
				return err
			}
			fmt.Printf("agent %s budget raised by %dµ\n", agent.Name, deltaMicro)
			return nil
		},
	}
	cmd.Flags().Int64Var(&deltaMicro, "micro", 0, "amount to add in micro-units")
	cmd.MarkFlagRequired("micro")
	return cmd
}

func agentRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <name>",
		Short: "Rotate an agent's bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			agent, err := st.GetAgentByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return fmt.Errorf("mint token: %w", err)
			}
			token := hex.EncodeToString(raw)
			if err := st.RotateToken(cmd.Context(), agent.ID, identity.HashToken(token), nil); err != nil {
				return err
			}
			fmt.Printf("token: %s\n", token)
			fmt.Println("Store the token now; only its hash is kept.")
			return nil
		},
	}
}

func openStore(ctx context.Context) (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, cfg.DBPath, cfg.PGDSN, store.SystemClock{})
}
