package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"slidegen/internal/ai"
	"slidegen/internal/ai/gemini"
	"slidegen/internal/ai/openaicompat"
	"slidegen/internal/api"
	"slidegen/internal/config"
	"slidegen/internal/dispatch"
	fileutil "slidegen/internal/file"
	"slidegen/internal/media"
	"slidegen/internal/pipeline"
	"slidegen/internal/prompt"
	"slidegen/internal/store"
	"slidegen/internal/store/postgres"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
	exportHTTPTimeout = 20 * time.Second
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	app := &cli.Command{
		Name:  "slidegen",
		Usage: "generate slide decks from an idea, an outline or page descriptions",
		// root flags are inherited by the subcommands
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to the YAML config", Value: "config.yml"},
			&cli.StringFlag{Name: "env", Usage: "path to an env file", Value: ".env"},
		},
		Action: serveAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API and the web UI",
				Action: serveAction,
			},
			{
				Name:   "migrate",
				Usage:  "create the postgres schema",
				Action: migrateAction,
			},
		},
	}
	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("slidegen failed")
	}
}

func loadConfig(cmd *cli.Command) (config.Config, error) {
	if err := config.LoadDotEnv(cmd.String("env")); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)
	return cfg, nil
}

func migrateAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Storage.PostgresDSN == "" {
		return errors.New("migrate needs postgres_dsn or DATABASE_URL")
	}
	pg, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	log.Info().Msg("schema applied")
	return nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		return fmt.Errorf("ensure data dir %s: %w", cfg.DataDir, err)
	}

	st, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	gen, err := buildGenerator(ctx, cfg)
	if err != nil {
		return err
	}

	d := dispatch.New(st, dispatch.Options{
		RequestsPerSecond: cfg.AI.RequestsPerSecond,
		Burst:             cfg.AI.Burst,
		CallTimeout:       cfg.AI.RequestTimeout,
	})
	svc := pipeline.New(st, gen, media.NewStore(cfg.DataDir), d, pipeline.Options{
		MaxDescriptionWorkers: cfg.Generation.MaxDescriptionWorkers,
		MaxImageWorkers:       cfg.Generation.MaxImageWorkers,
		MaxAttempts:           cfg.Generation.MaxAttempts,
		CallTimeout:           cfg.AI.RequestTimeout,
		ExportHTTPTimeout:     exportHTTPTimeout,
	})

	baseCtx, baseCancel := context.WithCancel(context.Background())
	svc.SetBaseContext(baseCtx)
	if err := svc.Recover(ctx); err != nil {
		log.Warn().Err(err).Msg("recover unfinished tasks")
	}

	router := setupRouter()
	handler := api.NewAPI(svc)
	handler.RegisterRoutes(router)
	handler.RegisterUIRoutes(router)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Str("storage", cfg.Storage.Driver).Msg("server started")

	waitForShutdownSignal()

	gracefulShutdown(srv, baseCancel, svc, shutdownTimeout)
	return nil
}

func buildStore(ctx context.Context, cfg config.Config) (store.Store, error) { //nolint:ireturn
	if cfg.Storage.Driver == config.DriverPostgres {
		pg, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	}
	fs, err := store.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open file store: %w", err)
	}
	return fs, nil
}

func buildGenerator(ctx context.Context, cfg config.Config) (*ai.Service, error) {
	prompts, err := prompt.NewBuilder()
	if err != nil {
		return nil, err
	}
	text, err := buildModel(ctx, cfg.AI.Text, cfg.AI.ThinkingBudget)
	if err != nil {
		return nil, fmt.Errorf("text model: %w", err)
	}
	image, err := buildModel(ctx, cfg.AI.Image, cfg.AI.ThinkingBudget)
	if err != nil {
		return nil, fmt.Errorf("image model: %w", err)
	}
	return ai.NewService(text, image, prompts, ai.NewReferenceLoader(cfg.DataDir, nil), ai.ServiceOptions{
		AspectRatio: cfg.Generation.AspectRatio,
		Resolution:  cfg.Generation.Resolution,
	}), nil
}

// model is what both client packages provide.
type model interface {
	ai.TextModel
	ai.ImageModel
}

func buildModel(ctx context.Context, mc config.ModelConfig, thinkingBudget int32) (model, error) { //nolint:ireturn
	protocol := ai.ResolveProtocol(ai.Protocol(mc.Protocol), mc.APIBase)
	log.Info().Str("model", mc.Model).Str("protocol", string(protocol)).Msg("model configured")
	if protocol == ai.ProtocolChat {
		return openaicompat.New(openaicompat.Config{APIKey: mc.APIKey, BaseURL: mc.APIBase, Model: mc.Model})
	}
	return gemini.New(ctx, gemini.Config{
		APIKey:         mc.APIKey,
		BaseURL:        mc.APIBase,
		Model:          mc.Model,
		ThinkingBudget: thinkingBudget,
	})
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	return r
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, svc *pipeline.Service, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	cancelBase()
	if !svc.WaitAll(ctx) {
		log.Warn().Msg("background workers did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
