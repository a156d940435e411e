package main

import (
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "github.com/crosspostd/crosspost/configs"
	"github.com/crosspostd/crosspost/internal/api/handlers"
	"github.com/crosspostd/crosspost/internal/api/middleware"
	"github.com/crosspostd/crosspost/internal/connect"
	job "github.com/crosspostd/crosspost/internal/jobs"
	"github.com/crosspostd/crosspost/internal/media"
	"github.com/crosspostd/crosspost/internal/orchestrator"
	"github.com/crosspostd/crosspost/internal/publisher"
	"github.com/crosspostd/crosspost/internal/queue"
	"github.com/crosspostd/crosspost/internal/repository"
	"github.com/crosspostd/crosspost/internal/service"
	"github.com/crosspostd/crosspost/internal/vault"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/robfig/cron"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Failed to load environment variables", err)
	}

	cfg := config.LoadConfig()

	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer closeDB(db)

	if err := db.Ping(); err != nil {
		log.Fatalf("Database is unreachable: %v", err)
	}

	redisConn := asynq.RedisClientOpt{Addr: cfg.RedisURI}
	client := asynq.NewClient(redisConn)
	defer client.Close()

	app := fiber.New(fiber.Config{
		ReadTimeout:  10 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		BodyLimit:    100 * 1024 * 1024, // 100 MB
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			log.Printf("Error: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOriginsFunc: func(origin string) bool {
			return true
		},
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: true,
		MaxAge:           3600,
	}))

	userRepo := repository.NewUserRepository(db)
	postRepo := repository.NewPostRepository(db)
	accountRepo := repository.NewConnectedAccountRepository(db)
	postMediaRepo := repository.NewPostMediaRepository(db)
	postTargetRepo := repository.NewPostTargetRepository(db)
	mediaAssetRepo := repository.NewMediaAssetRepository(db)

	credentialVault := vault.New(*cfg, accountRepo)
	connectManager := connect.NewManager(*cfg, credentialVault, accountRepo)
	relay := media.NewRelay(*cfg)

	providerClient := &http.Client{Timeout: 5 * time.Minute}
	registry := publisher.NewRegistry(
		publisher.NewFacebookPublisher(*cfg, providerClient),
		publisher.NewInstagramPublisher(*cfg, providerClient),
		publisher.NewTwitterPublisher(*cfg, providerClient),
		publisher.NewTiktokPublisher(*cfg, providerClient),
	)

	orc := orchestrator.New(registry, credentialVault, accountRepo, postRepo, postMediaRepo, mediaAssetRepo, postTargetRepo)

	authService := service.NewAuthService(*cfg, userRepo)
	userService := service.NewUserService(userRepo)
	postService := service.NewPostService(db, postRepo, accountRepo, mediaAssetRepo, postMediaRepo, postTargetRepo, relay)
	accountService := service.NewAccountService(connectManager, accountRepo)

	authMiddleware := middleware.NewAuthMiddleware(*cfg)

	auth := handlers.NewAuthHandler(*cfg, authService)
	app.Get("/login", auth.Login)
	app.Get("/login/callback", auth.LoginCallbackHandler)
	app.Get("/logout", auth.Logout)

	api := app.Group("/api")
	api.Use(authMiddleware.AuthMiddleware())

	user := handlers.NewUserHandler(userService)
	api.Get("/user/info", user.GetUserInfo)
	api.Post("/user/remove", user.RemoveUser)

	account := handlers.NewAccountHandler(*cfg, accountService)
	api.Get("/connect/:provider", account.ConnectAccount)
	api.Get("/connect/:provider/callback", account.CallbackHandler)
	api.Get("/accounts", account.ListAccounts)
	api.Post("/accounts/remove", account.DeleteAccount)

	post := handlers.NewPostHandler(postService, client)
	api.Post("/posts/create", post.CreatePost)
	api.Get("/posts", post.ListPosts)
	api.Get("/posts/targets", post.ListTargets)
	api.Post("/posts/remove", post.RemovePost)

	// cron jobs
	refreshTokenJob := job.NewTokenRefreshJob(accountRepo, connectManager, credentialVault)

	// queue
	queueW := queue.NewQueue(orc)

	c := cron.New()
	c.AddFunc("@every 00h10m00s", refreshTokenJob.RefreshTokens)
	c.AddFunc("@every 00h10m00s", refreshTokenJob.SweepPendingAccounts)
	c.Start()

	go func() {
		server := asynq.NewServer(redisConn, asynq.Config{
			Concurrency: 10,
		})

		mux := asynq.NewServeMux()
		mux.HandleFunc(queue.TaskTypePublishPost, queueW.HandlePublishPostTask)

		log.Println("Starting the Asynq server...")
		if err := server.Run(mux); err != nil {
			log.Fatalf("Could not start Asynq server: %v", err)
		}
	}()

	go func() {
		if err := app.Listen(":3000"); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()
	log.Println("Server is running on http://localhost:3000")

	gracefulShutdown(app, db)
}

func closeDB(db *sql.DB) {
	fmt.Fprint(os.Stdout, "Closing database connection... ")
	if err := db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close database: %v", err)
		return
	}
	fmt.Fprintln(os.Stdout, "Done")
}

func gracefulShutdown(app *fiber.App, db *sql.DB) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Println("Shutting down server...")

	if err := app.Shutdown(); err != nil {
		log.Fatalf("Failed to shut down server: %v", err)
	}

	closeDB(db)
	log.Println("Server shutdown complete.")
}
