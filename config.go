package amagent

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/openam-community/am-agent-go/amclient"
	"github.com/openam-community/am-agent-go/cache"
	"github.com/openam-community/am-agent-go/shield"
)

const (
	// DefaultNotificationPath is where the agent receives AM push
	// notifications unless configured otherwise.
	DefaultNotificationPath = "/agent/notifications"

	// DefaultCDSSOPath is where the agent receives CDSSO assertions unless
	// configured otherwise.
	DefaultCDSSOPath = "/agent/cdsso"
)

// Config is the agent configuration. It is read once at construction and
// never mutated afterwards. Fields tagged with env can be populated from
// the environment via NewConfigFromEnv.
type Config struct {
	// ServerURL is the AM deployment URL, e.g.
	// "https://openam.example.com:8443/openam". Required.
	ServerURL string `env:"AM_SERVER_URL"`

	// PrivateIP optionally routes AM traffic to a private address while
	// keeping the logical hostname in the Host header.
	PrivateIP string `env:"AM_PRIVATE_IP"`

	// Username and Password are the agent's service-account credentials,
	// needed for privileged calls (policy decisions, session listeners).
	Username string `env:"AM_AGENT_USERNAME"`
	Password string `env:"AM_AGENT_PASSWORD"`

	// Realm the agent authenticates to. Defaults to the root realm.
	Realm string `env:"AM_AGENT_REALM,default=/"`

	// AppURL is the root URL of the protected application, e.g.
	// "https://app.example.com". Required when notifications are enabled;
	// it forms the callback URL AM pushes notifications to.
	AppURL string `env:"AGENT_APP_URL"`

	// NotificationsEnabled subscribes validated sessions to AM's session
	// service so logouts on the AM side evict cache entries here.
	NotificationsEnabled bool `env:"AGENT_NOTIFICATIONS_ENABLED,default=false"`

	// NotificationPath and CDSSOPath are the routes of the agent's inbound
	// endpoints.
	NotificationPath string `env:"AGENT_NOTIFICATION_PATH,default=/agent/notifications"`
	CDSSOPath        string `env:"AGENT_CDSSO_PATH,default=/agent/cdsso"`

	// Timeout bounds each outbound AM call.
	Timeout time.Duration `env:"AM_TIMEOUT,default=10s"`

	// CacheTTL is the session cache expiry used when no custom SessionCache
	// is supplied.
	CacheTTL time.Duration `env:"AGENT_CACHE_TTL,default=5m"`

	// ErrorTemplateFile optionally points at an html/template file used for
	// error pages. The file is watched and hot-reloaded on change.
	ErrorTemplateFile string `env:"AGENT_ERROR_TEMPLATE_FILE"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// SessionCache replaces the built-in in-memory cache. The agent still
	// quits it on Destroy.
	SessionCache cache.Cache

	// Client replaces the AM client, mostly for testing.
	Client *amclient.Client

	// ErrorPage overrides the error template: its return value is sent as
	// the error response body.
	ErrorPage func(ErrorPageContext) string

	// ErrorHandler, when set, receives evaluation errors instead of the
	// agent rendering an error page. This hands error handling to the host
	// application's own pipeline.
	ErrorHandler func(w http.ResponseWriter, r *http.Request, err *shield.EvaluationError)
}

// NewConfigFromEnv populates a Config from the environment.
func NewConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("amagent: decode config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("amagent: ServerURL is required")
	}
	if c.NotificationsEnabled && c.AppURL == "" {
		return fmt.Errorf("amagent: AppURL is required when notifications are enabled")
	}
	return nil
}

func (c *Config) normalize() {
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	c.AppURL = strings.TrimRight(c.AppURL, "/")
	if c.Realm == "" {
		c.Realm = "/"
	}
	if c.NotificationPath == "" {
		c.NotificationPath = DefaultNotificationPath
	}
	if c.CDSSOPath == "" {
		c.CDSSOPath = DefaultCDSSOPath
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
}
