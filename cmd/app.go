package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/job-autopilot/internal/ai"
	"github.com/spigell/job-autopilot/internal/ai/gemini"
	"github.com/spigell/job-autopilot/internal/browser"
	"github.com/spigell/job-autopilot/internal/browser/chrome"
	"github.com/spigell/job-autopilot/internal/browser/httpform"
	"github.com/spigell/job-autopilot/internal/ledger"
	"github.com/spigell/job-autopilot/internal/logger"
	"github.com/spigell/job-autopilot/internal/navigator"
	"github.com/spigell/job-autopilot/internal/notify"
	"github.com/spigell/job-autopilot/internal/orchestrator"
	"github.com/spigell/job-autopilot/internal/profile"
	"github.com/spigell/job-autopilot/internal/queue"
	"github.com/spigell/job-autopilot/internal/scoring"
	"github.com/spigell/job-autopilot/internal/secrets"
	"github.com/spigell/job-autopilot/internal/store"
)

// application holds what every command needs: config, logger and storage.
type application struct {
	config *Config
	logger *zap.Logger
	store  *store.Store
	queue  *queue.Queue
	ledger *ledger.Ledger

	// closers are closed before the store, last opened first.
	closers []io.Closer
}

// setup builds the logger, loads the config and opens the data directory.
// Failures are fatal, like in every command.
func setup(ctx context.Context) *application {
	logger, err := logger.New(logger.Options{
		JSON:  viper.GetBool("json"),
		Debug: viper.GetBool("debug"),
		File:  viper.GetString("log-file"),
	})
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(config, "", "  ")
	logger.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	st, err := store.Open(ctx, config.DataDir)
	if err != nil {
		logger.Fatal("opening the data directory",
			zap.Error(err),
			zap.String("data_dir", config.DataDir),
		)
	}

	return &application{
		config: config,
		logger: logger,
		store:  st,
		queue:  queue.New(st.DB, logger),
		ledger: ledger.New(st.DB, logger),
	}
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("closing", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing the store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *application) profile() (*profile.Store, error) {
	if strings.TrimSpace(a.config.Profile) == "" {
		return nil, fmt.Errorf("profile is not configured")
	}
	return profile.Load(a.config.Profile)
}

// scorer builds the configured provider wrapped in the fit cache.
func (a *application) scorer(ctx context.Context) (scoring.Scorer, error) {
	cfg := a.config.Scoring

	var (
		next scoring.Scorer
		name string
	)
	switch a.config.scoringProvider() {
	case providerGemini:
		apiKey, err := secrets.Load(secrets.Source{
			Name: "gemini api key",
			File: cfg.Gemini.APIKeyFile,
		})
		if err != nil {
			return nil, fmt.Errorf("%w (set scoring.gemini.api-key-file or GEMINI_API_KEY_FILE)", err)
		}

		genLogger := a.logger.With(
			zap.String("provider", providerGemini),
			zap.String("model", cfg.Gemini.Model),
		)
		generator, err := gemini.NewGenerator(ctx, apiKey, cfg.Gemini.Model, genLogger)
		if err != nil {
			return nil, err
		}

		next = ai.Scorer{Matcher: gemini.NewMatcher(generator, cfg.Gemini.MaxLogLength, genLogger)}
		name = providerGemini + ":" + cfg.Gemini.Model
	default:
		next = scoring.NewSemantic(cfg.TopK, cfg.Rules, a.logger)
		name = providerSemantic
	}

	return scoring.NewCached(a.store.DB, name, next, a.logger), nil
}

func (a *application) notifier() (notify.Notifier, *notify.Hub) {
	hub := notify.NewHub()
	notifiers := notify.Multi{notify.NewLog(a.logger), hub}

	if t := a.config.Notify.Telegram; t != nil {
		token, err := secrets.Load(secrets.Source{Name: "telegram bot token", File: t.BotTokenFile})
		if err != nil {
			a.logger.Warn("telegram notifications disabled", zap.Error(err))
		} else {
			notifiers = append(notifiers, notify.NewTelegram(token, t.ChatID, a.logger))
		}
	}

	return notifiers, hub
}

func (a *application) navigator(p *profile.Store) (*navigator.Navigator, error) {
	cfg := a.config.Navigator

	classifier, err := navigator.NewClassifier(cfg.Fields)
	if err != nil {
		return nil, err
	}

	driver := a.browser()

	return navigator.New(
		driver,
		p,
		secrets.NewCredentials(a.config.Credentials),
		a.ledger,
		classifier,
		navigator.Config{
			StartTimeout: cfg.StartTimeout,
			Retry:        cfg.Retry,
			MaxSteps:     cfg.MaxSteps,
		},
		a.logger,
	), nil
}

func (a *application) browser() browser.Browser {
	cfg := a.config.Navigator

	if a.config.navigatorDriver() == driverHTTP {
		return httpform.New(httpform.Options{
			Timeout:           cfg.StartTimeout,
			UserAgent:         cfg.UserAgent,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
			ScreenshotDir:     cfg.DiagnosticsDir,
		}, a.logger)
	}

	d := chrome.New(chrome.Options{
		Headless:          cfg.Chrome.Headless,
		NoSandbox:         cfg.Chrome.NoSandbox,
		ExecPath:          cfg.Chrome.ExecPath,
		UserDataDir:       cfg.Chrome.UserDataDir,
		UserAgent:         cfg.UserAgent,
		Timeout:           cfg.StartTimeout,
		Settle:            cfg.Chrome.Settle,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		ScreenshotDir:     cfg.DiagnosticsDir,
	}, a.logger)
	a.closers = append(a.closers, d)
	return d
}

// orchestrator wires the full pipeline.
func (a *application) orchestrator(ctx context.Context) (*orchestrator.Orchestrator, *navigator.Navigator, *notify.Hub, error) {
	p, err := a.profile()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading profile: %w", err)
	}

	scorer, err := a.scorer(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building scorer: %w", err)
	}

	nav, err := a.navigator(p)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building navigator: %w", err)
	}

	for company, weight := range a.config.Queue.CompanyWeights {
		if err := a.queue.SetCompanyWeight(ctx, company, weight); err != nil {
			return nil, nil, nil, err
		}
	}

	order, _ := a.config.queueOrder()
	cfg := a.config.Run
	cfg.ReviewTTL = a.config.Review.TTL
	cfg.Order = order

	notifier, hub := a.notifier()
	return orchestrator.New(a.queue, a.ledger, scorer, p, nav, notifier, cfg, a.logger), nav, hub, nil
}
