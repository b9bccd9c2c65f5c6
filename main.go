package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"challenge-ladder/config"
	"challenge-ladder/handlers"
	"challenge-ladder/middleware"
	"challenge-ladder/models"
	"challenge-ladder/services"
	"challenge-ladder/utils"
	"challenge-ladder/workers"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("❌ invalid configuration: ", err)
	}

	logger, err := utils.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("❌ failed to build logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Fast store ---
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatalw("invalid REDIS_URL", "err", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatalw("failed to connect to redis", "err", err)
	}
	store := services.NewFastStore(rdb, logger)

	// --- Ladder sheet ---
	var credOpt option.ClientOption
	if cfg.CredentialsJSON != "" {
		credOpt = option.WithCredentialsJSON([]byte(cfg.CredentialsJSON))
	} else {
		credOpt = option.WithCredentialsFile(cfg.CredentialsFile)
	}
	sheetsClient, err := services.NewSheetsClient(ctx, cfg.SheetsID, credOpt)
	if err != nil {
		logger.Fatalw("failed to initialize sheets client", "err", err)
	}
	ladder := services.NewLadder(sheetsClient, cfg.LadderSheet, logger)
	clock := services.NewChallengeClock(cfg.Timezone, time.Now)

	// --- Announcements ---
	var notifier services.Notifier = services.LogNotifier{Log: logger}
	if cfg.AnnounceWebhookURL != "" {
		notifier = services.NewWebhookNotifier(cfg.AnnounceWebhookURL)
	} else {
		logger.Warn("⚠️  ANNOUNCE_WEBHOOK_URL not set, announcements go to the log only")
	}

	// --- Optional match history ---
	var recorder services.MatchRecorder
	var defenders handlers.DefenderLister
	if cfg.DatabaseURL != "" {
		db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
		if err != nil {
			logger.Fatalw("failed to connect to database", "err", err)
		}
		if err := db.AutoMigrate(&models.TitleDefense{}, &models.MatchResult{}); err != nil {
			logger.Fatalw("failed to migrate database", "err", err)
		}
		stats := services.NewStatsService(db)
		recorder = stats
		defenders = stats
	} else {
		logger.Info("DATABASE_URL not set, match history disabled")
	}

	challenges := services.NewChallengeService(ladder, store, notifier, recorder, clock, logger)
	reconciler := services.NewReconciler(ladder, store, notifier, clock, logger)

	// --- Expiry events ---
	if cfg.ExpiryEvents {
		if err := store.EnableExpiryEvents(ctx); err != nil {
			logger.Warnw("⚠️  could not enable keyspace notifications, relying on the sweep", "err", err)
		}
		workers.NewExpiryListener(store, reconciler, cfg.SettleDelay, logger).Start(ctx)
	}

	// --- Scheduled jobs ---
	var snapshotter *services.LadderSnapshotter
	if cfg.Snapshot.Enabled() {
		s3Client, err := utils.NewR2Client(ctx, cfg.Snapshot.AccountID, cfg.Snapshot.AccessKeyID, cfg.Snapshot.AccessKeySecret)
		if err != nil {
			logger.Fatalw("failed to initialize R2 client", "err", err)
		}
		snapshotter = services.NewLadderSnapshotter(ladder, store, utils.NewR2Uploader(s3Client, cfg.Snapshot.Bucket), clock, logger)
	}
	sched, err := services.StartLadderScheduler(ctx, reconciler, snapshotter, services.SchedulerOptions{
		SweepInterval: cfg.SweepInterval,
		SweepCron:     cfg.ScheduledSweepCron,
		SnapshotCron:  cfg.Snapshot.Cron,
	}, logger)
	if err != nil {
		logger.Fatalw("failed to start scheduler", "err", err)
	}

	// --- HTTP ---
	app := fiber.New(fiber.Config{
		AppName:      "challenge-ladder",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})
	app.Use(middleware.BotAuthMiddleware(cfg.BotServiceToken, logger))
	handlers.SetupLadderRoutes(app, handlers.NewLadderHandler(challenges, reconciler, defenders, logger), cfg.PrivilegedRoles)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Errorw("Server error", "err", err)
		}
	}()

	logger.Infof("✅ Server running on http://localhost:%s", cfg.Port)
	logger.Infof("✅ Ladder sheet %q, timezone %s", cfg.LadderSheet, cfg.Timezone)
	logger.Infof("✅ Expiry events: %t, sweep every %s", cfg.ExpiryEvents, cfg.SweepInterval)

	<-ctx.Done()
	logger.Info("Shutting down server...")

	if err := sched.Shutdown(); err != nil {
		logger.Warnw("scheduler shutdown failed", "err", err)
	}
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warnw("http shutdown failed", "err", err)
	}
}
