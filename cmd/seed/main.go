package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/davidmoltin/record-automation/internal/engine"
	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/internal/repository/postgres"
	"github.com/davidmoltin/record-automation/internal/services"
	"github.com/davidmoltin/record-automation/internal/workers"
	"github.com/davidmoltin/record-automation/pkg/config"
	"github.com/davidmoltin/record-automation/pkg/database"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

func main() {
	var (
		templatesDir = flag.String("templates", "templates/rules", "Directory of YAML rule templates to import")
		withSubjects = flag.Bool("subjects", false, "Also seed sample subjects for local testing")
		migrate      = flag.Bool("migrate", false, "Apply database migrations before seeding")
	)
	flag.Parse()

	if err := run(*templatesDir, *withSubjects, *migrate); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(templatesDir string, withSubjects, migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Logger.Level, "console")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	db, err := database.NewPostgresDB(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	if migrate {
		version, err := database.RunMigrations(db.DB, cfg.Database.MigrationsPath)
		if err != nil {
			return err
		}
		log.Info("Database migrations applied", logger.Int("version", int(version)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// Templates are validated the same way the API validates them
	evaluator := engine.NewEvaluator(cfg.Location(), engine.WithExpressionCostLimit(cfg.Engine.ExpressionCostLimit))
	actions := engine.NewActionExecutor(engine.NewBuiltinRegistry(evaluator, engine.Collaborators{}, nil, log), log)
	validator := engine.NewRuleValidator(evaluator, actions)
	ruleService := services.NewRuleService(postgres.NewRuleRepository(db), validator, nil, nil, 0, log)

	n, err := workers.LoadTemplateDir(ctx, ruleService, templatesDir, log)
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}
	log.Infof("Imported %d rule templates from %s", n, templatesDir)

	if withSubjects {
		records := postgres.NewRecordRepository(db)
		for _, s := range sampleSubjects(time.Now().UTC()) {
			if err := records.UpsertSubject(ctx, s); err != nil {
				return fmt.Errorf("failed to seed subject %s: %w", s.ID, err)
			}
		}
		log.Info("Sample subjects seeded")
	}

	return nil
}

func sampleSubjects(now time.Time) []*models.Subject {
	quiet := now.AddDate(0, 0, -45)
	recent := now.Add(-2 * time.Hour)

	return []*models.Subject{
		{
			ID:             "rec-1001",
			Name:           "Jane Doe",
			Status:         "open",
			Email:          "jane.doe@example.com",
			Phone:          "+15555550101",
			OwnerID:        "owner-1",
			Tags:           []string{"vip"},
			Attributes:     map[string]interface{}{"source": "referral", "estimated_value": 12000},
			CreatedAt:      now.AddDate(0, -3, 0),
			LastActivityAt: &quiet,
		},
		{
			ID:             "rec-1002",
			Name:           "Sam Lee",
			Status:         "documents_requested",
			Email:          "sam.lee@example.com",
			Phone:          "+15555550102",
			OwnerID:        "owner-2",
			Attributes:     map[string]interface{}{"source": "web"},
			CreatedAt:      now.AddDate(0, 0, -10),
			LastActivityAt: &recent,
		},
		{
			ID:        "rec-1003",
			Name:      "Alex Kim",
			Status:    "new",
			Email:     "alex.kim@example.com",
			OwnerID:   "owner-1",
			CreatedAt: now,
		},
	}
}
