package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/spigell/job-autopilot/internal/filtering"
	"github.com/spigell/job-autopilot/internal/navigator"
	"github.com/spigell/job-autopilot/internal/orchestrator"
	"github.com/spigell/job-autopilot/internal/queue"
	"github.com/spigell/job-autopilot/internal/scoring"
	"github.com/spigell/job-autopilot/internal/secrets"
)

const (
	providerSemantic = "semantic"
	providerGemini   = "gemini"

	driverChrome = "chrome"
	driverHTTP   = "http"
)

type Config struct {
	DataDir     string                  `mapstructure:"data-dir"`
	Profile     string                  `mapstructure:"profile"`
	Scoring     ScoringConfig           `mapstructure:"scoring"`
	Queue       QueueConfig             `mapstructure:"queue"`
	Navigator   NavigatorConfig         `mapstructure:"navigator"`
	Run         orchestrator.Config     `mapstructure:"run"`
	Review      ReviewConfig            `mapstructure:"review"`
	Filters     filtering.Config        `mapstructure:"filters"`
	Notify      NotifyConfig            `mapstructure:"notify"`
	Credentials map[string]secrets.Site `mapstructure:"credentials"`
}

type ScoringConfig struct {
	Provider string         `mapstructure:"provider"`
	TopK     int            `mapstructure:"top-k"`
	Rules    []scoring.Rule `mapstructure:"rules"`
	Gemini   *GeminiConfig  `mapstructure:"gemini"`
}

type GeminiConfig struct {
	APIKeyFile   string `mapstructure:"api-key-file"`
	Model        string `mapstructure:"model"`
	MaxLogLength int    `mapstructure:"max-log-length"`
}

type QueueConfig struct {
	// Order is "score" or "discovery".
	Order          string             `mapstructure:"order"`
	CompanyWeights map[string]float64 `mapstructure:"company-weights"`
}

type NavigatorConfig struct {
	// Driver is "chrome" or "http". Only chrome can show a captcha to the user.
	Driver       string                `mapstructure:"driver"`
	Chrome       ChromeConfig          `mapstructure:"chrome"`
	StartTimeout time.Duration         `mapstructure:"start-timeout"`
	Retry        navigator.RetryPolicy `mapstructure:"retry"`
	MaxSteps     int                   `mapstructure:"max-steps"`
	// Fields maps semantic types to extra label patterns.
	Fields            map[string][]string `mapstructure:"fields"`
	DiagnosticsDir    string              `mapstructure:"diagnostics-dir"`
	UserAgent         string              `mapstructure:"user-agent"`
	RequestsPerSecond float64             `mapstructure:"requests-per-second"`
	Burst             int                 `mapstructure:"burst"`
}

type ChromeConfig struct {
	Headless    bool          `mapstructure:"headless"`
	NoSandbox   bool          `mapstructure:"no-sandbox"`
	ExecPath    string        `mapstructure:"exec-path"`
	UserDataDir string        `mapstructure:"user-data-dir"`
	Settle      time.Duration `mapstructure:"settle"`
}

type ReviewConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type NotifyConfig struct {
	Telegram *TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	BotTokenFile string `mapstructure:"bot-token-file"`
	ChatID       string `mapstructure:"chat-id"`
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config)
	if err != nil {
		return config, err
	}
	if config == nil {
		config = &Config{}
	}

	return config, config.Validate()
}

// Validate reports every problem in the config at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data-dir is required"))
	}

	switch c.scoringProvider() {
	case providerSemantic:
	case providerGemini:
		if c.Scoring.Gemini == nil || strings.TrimSpace(c.Scoring.Gemini.APIKeyFile) == "" {
			errs = append(errs, errors.New("scoring.gemini.api-key-file is required for the gemini provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("scoring.provider %q is not one of %s, %s", c.Scoring.Provider, providerSemantic, providerGemini))
	}
	for i, r := range c.Scoring.Rules {
		if len(r.Any) == 0 {
			errs = append(errs, fmt.Errorf("scoring.rules[%d] (%s) has no keywords", i, r.Tag))
		}
	}

	if _, err := c.queueOrder(); err != nil {
		errs = append(errs, err)
	}

	if c.Navigator.Retry.Attempts < 0 || c.Navigator.Retry.BaseDelay < 0 || c.Navigator.Retry.Multiplier < 0 {
		errs = append(errs, errors.New("navigator.retry values must not be negative"))
	}
	switch c.navigatorDriver() {
	case driverChrome, driverHTTP:
	default:
		errs = append(errs, fmt.Errorf("navigator.driver %q is not one of %s, %s", c.Navigator.Driver, driverChrome, driverHTTP))
	}
	if c.Navigator.Chrome.Settle < 0 {
		errs = append(errs, errors.New("navigator.chrome.settle must not be negative"))
	}
	if c.Navigator.StartTimeout < 0 {
		errs = append(errs, errors.New("navigator.start-timeout must not be negative"))
	}
	if _, err := navigator.NewClassifier(c.Navigator.Fields); err != nil {
		errs = append(errs, fmt.Errorf("navigator.fields: %w", err))
	}

	if c.Run.Budget < 0 || c.Run.PerCompany < 0 || c.Run.Sessions < 0 {
		errs = append(errs, errors.New("run.budget, run.per-company and run.sessions must not be negative"))
	}
	if c.Review.TTL < 0 {
		errs = append(errs, errors.New("review.ttl must not be negative"))
	}

	if t := c.Notify.Telegram; t != nil {
		if strings.TrimSpace(t.BotTokenFile) == "" || strings.TrimSpace(t.ChatID) == "" {
			errs = append(errs, errors.New("notify.telegram needs both bot-token-file and chat-id"))
		}
	}

	for company, site := range c.Credentials {
		if strings.TrimSpace(site.Username) == "" {
			errs = append(errs, fmt.Errorf("credentials.%s.username is required", company))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) scoringProvider() string {
	p := strings.ToLower(strings.TrimSpace(c.Scoring.Provider))
	if p == "" {
		return providerSemantic
	}
	return p
}

func (c *Config) navigatorDriver() string {
	d := strings.ToLower(strings.TrimSpace(c.Navigator.Driver))
	if d == "" {
		return driverChrome
	}
	return d
}

// canShowCaptcha reports whether paused postings are left in a window the
// user can work in.
func (c *Config) canShowCaptcha() bool {
	return c.navigatorDriver() == driverChrome && !c.Navigator.Chrome.Headless
}

func (c *Config) queueOrder() (queue.Order, error) {
	switch strings.ToLower(strings.TrimSpace(c.Queue.Order)) {
	case "", "score":
		return queue.OrderByScore, nil
	case "discovery":
		return queue.OrderByDiscovery, nil
	default:
		return 0, fmt.Errorf("queue.order %q is not one of score, discovery", c.Queue.Order)
	}
}
