package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/unclebandit/mailleopard-backend/internal/app"
	"github.com/unclebandit/mailleopard-backend/internal/config"
	"github.com/unclebandit/mailleopard-backend/internal/db"
	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/repository"
	"github.com/unclebandit/mailleopard-backend/internal/service"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log := cliLogger()
		conn, err := db.Open(cmd.Context(), cfg.DatabaseURL, log)
		if err != nil {
			return err
		}
		defer conn.Close()
		return db.Migrate(cmd.Context(), conn, log)
	},
}

var seedFile string

var seedSendersCmd = &cobra.Command{
	Use:   "seed-senders",
	Short: "Store sender profiles from a YAML file for an account",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if userID <= 0 {
			return errors.New("--user is required")
		}
		profiles, err := config.LoadStaticSenders(seedFile)
		if err != nil {
			return err
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log := cliLogger()
		conn, err := db.Open(cmd.Context(), cfg.DatabaseURL, log)
		if err != nil {
			return err
		}
		defer conn.Close()

		repo := &repository.SenderProfileRepository{DB: conn}
		seeded, err := seedSenders(cmd.Context(), repo, profiles, userID, log)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d of %d sender profiles\n", seeded, len(profiles))
		return nil
	},
}

func seedSenders(ctx context.Context, repo repository.SenderProfileRepositoryInterface, profiles []model.SenderProfile, owner int64, log *slog.Logger) (int, error) {
	seeded := 0
	for _, p := range profiles {
		if len(p.Undeclared) > 0 {
			log.Warn("sender skipped: incomplete", slog.String("email", p.Email), slog.Any("missing", p.Undeclared))
			continue
		}
		p.ID = ""
		p.UserID = owner
		p.Static = false
		if p.Encryption == "" {
			p.Encryption = model.EncryptionTLS
		}
		err := repo.Create(ctx, &p)
		if errors.Is(err, appErrors.ErrDuplicateSender) {
			log.Info("sender already present", slog.String("email", p.Email))
			continue
		}
		if err != nil {
			return seeded, fmt.Errorf("seed %s: %w", p.Email, err)
		}
		seeded++
	}
	return seeded, nil
}

var (
	ingestSubject string
	ingestBody    string
	ingestSame    bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.csv>",
	Short: "Parse a recipient CSV and preview the rendered templates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		svc := &service.CampaignService{Ingestor: service.NewCsvIngestor(cliLogger())}
		preview, err := svc.Preview(cmd.Context(), f, ingestSubject, ingestBody, ingestSame)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(preview)
	},
}

var olderThan string

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete delivery log entries older than an age",
	RunE: func(cmd *cobra.Command, _ []string) error {
		age, err := service.ParseAge(olderThan)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app.App) error {
			n, err := a.Campaigns.Purge(cmd.Context(), optionalUser(), age)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d entries\n", n)
			return nil
		})
	},
}

var (
	exportFormat string
	exportStatus string
	exportSearch string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export delivery log entries as csv or json",
	RunE: func(cmd *cobra.Command, _ []string) error {
		filter := model.LogFilter{
			UserID: optionalUser(),
			Status: model.DeliveryStatus(exportStatus),
			Search: exportSearch,
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return fmt.Errorf("unknown status %q", exportStatus)
		}

		w := cmd.OutOrStdout()
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		return withApp(cmd.Context(), func(a *app.App) error {
			return a.Campaigns.Export(cmd.Context(), w, filter, exportFormat)
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <entry-id>",
	Short: "Reset a failed delivery to pending and queue a re-send",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid entry id %q", args[0])
		}
		if userID <= 0 {
			return errors.New("--user is required")
		}
		return withApp(cmd.Context(), func(a *app.App) error {
			if a.Config.Queue.Driver != app.QueueAMQP {
				return errors.New("retry needs QUEUE_DRIVER=amqp so a worker can pick the job up")
			}
			entry, err := a.Campaigns.RetryEntry(cmd.Context(), userID, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Entry %d queued for retry (attempt %d of %d)\n", entry.ID, entry.Attempts+1, a.Config.Mail.MaxAttempts)
			return nil
		})
	},
}

var testSenderCmd = &cobra.Command{
	Use:   "test-sender <profile-id>",
	Short: "Send a test email with a sender profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			res, err := a.Senders.Test(cmd.Context(), userID, args[0])
			if res != nil && !res.Valid {
				fmt.Fprintf(cmd.OutOrStdout(), "missing: %v\nempty: %v\n", res.MissingFields, res.EmptyFields)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sender %s delivered a test message\n", args[0])
			return nil
		})
	},
}

func init() {
	seedSendersCmd.Flags().StringVarP(&seedFile, "file", "f", "senders.yaml", "YAML file listing sender profiles")

	ingestCmd.Flags().StringVar(&ingestSubject, "subject", "", "subject template to render")
	ingestCmd.Flags().StringVar(&ingestBody, "body", "", "body template to render")
	ingestCmd.Flags().BoolVar(&ingestSame, "same-attachment-for-all", false, "drop the attachments column from variables")

	purgeCmd.Flags().StringVar(&olderThan, "older-than", "", "age such as 90d or 720h")
	_ = purgeCmd.MarkFlagRequired("older-than")

	exportCmd.Flags().StringVar(&exportFormat, "format", service.ExportCSV, "csv or json")
	exportCmd.Flags().StringVar(&exportStatus, "status", "", "only entries with this status")
	exportCmd.Flags().StringVar(&exportSearch, "search", "", "match recipient or subject")
	exportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "write to a file instead of stdout")
}
