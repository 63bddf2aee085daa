package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"lstapp/internal/model"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func simulateCommand() *cobra.Command {
	var (
		target    string
		from      string
		to        string
		amount    uint64
		signature string
	)
	cmd := &cobra.Command{
		Use:   "simulate-deposit",
		Short: "Post a synthetic deposit notification to a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" || amount == 0 {
				return fmt.Errorf("--from and --amount are required")
			}
			if to == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				to = cfg.Chain.PlatformAddress
			}
			if signature == "" {
				signature = "sim-" + uuid.NewString()
			}

			body, err := json.Marshal([]model.DepositNotification{{
				Signature: signature,
				Type:      "TRANSFER",
				Timestamp: time.Now().Unix(),
				NativeTransfers: []model.NativeTransfer{{
					Amount:          amount,
					FromUserAccount: from,
					ToUserAccount:   to,
				}},
			}})
			if err != nil {
				return err
			}

			client := &http.Client{Timeout: 30 * time.Second}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, target+"/api/webhook", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("post webhook: %w", err)
			}
			defer resp.Body.Close()

			out, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", resp.Status, out)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("webhook answered %s", resp.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "url", "http://localhost:8080", "base URL of the server")
	cmd.Flags().StringVar(&from, "from", "", "depositor address")
	cmd.Flags().StringVar(&to, "to", "", "platform address (default: LST_CHAIN_PLATFORM_ADDRESS)")
	cmd.Flags().Uint64Var(&amount, "amount", 0, "deposit in lamports")
	cmd.Flags().StringVar(&signature, "signature", "", "transaction signature (default: random)")
	return cmd
}
