package gatewayhttp

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/aio-labs/cligateway/circuitbreaker"
	"github.com/aio-labs/cligateway/clock"
	"github.com/aio-labs/cligateway/gwconfig"
	"github.com/aio-labs/cligateway/logpipeline"
	"github.com/aio-labs/cligateway/oauth"
	"github.com/aio-labs/cligateway/provider"
	"github.com/aio-labs/cligateway/recentcache"
	"github.com/aio-labs/cligateway/rewriter"
	"github.com/aio-labs/cligateway/session"
	"github.com/aio-labs/cligateway/spendlimit"
	"github.com/aio-labs/cligateway/store"
)

// Handler is the gateway's single HTTP entry point: it routes, then either
// answers directly (/, /health) or drives the full per-request proxy
// pipeline.
type Handler struct {
	config *gwconfig.Config
	store  store.Store
	logger *zap.Logger
	clock  clock.Clock

	httpClient *http.Client

	sessions       *session.Manager
	breaker        *circuitbreaker.Registry
	spendGate      *spendlimit.Gate
	baseURLs       *provider.BaseURLSelector
	oauthResolver  *oauth.Resolver
	recent         *recentcache.Cache
	sessionIDCache *rewriter.SessionIDCache
	requestLogs    *logpipeline.RequestLogWriter

	appName string
	version string
}

// Deps bundles the already-built collaborators a Handler wires together.
type Deps struct {
	Config         *gwconfig.Config
	Store          store.Store
	Logger         *zap.Logger
	Clock          clock.Clock
	HTTPClient     *http.Client
	Sessions       *session.Manager
	Breaker        *circuitbreaker.Registry
	SpendGate      *spendlimit.Gate
	BaseURLs       *provider.BaseURLSelector
	OAuthResolver  *oauth.Resolver
	RecentCache    *recentcache.Cache
	SessionIDCache *rewriter.SessionIDCache
	RequestLogs    *logpipeline.RequestLogWriter
	AppName        string
	Version        string
}

// NewHandler builds the gateway's HTTP handler from its dependencies.
func NewHandler(d Deps) *Handler {
	return &Handler{
		config:         d.Config,
		store:          d.Store,
		logger:         d.Logger.With(zap.String("component", "gatewayhttp")),
		clock:          d.Clock,
		httpClient:     d.HTTPClient,
		sessions:       d.Sessions,
		breaker:        d.Breaker,
		spendGate:      d.SpendGate,
		baseURLs:       d.BaseURLs,
		oauthResolver:  d.OAuthResolver,
		recent:         d.RecentCache,
		sessionIDCache: d.SessionIDCache,
		requestLogs:    d.RequestLogs,
		appName:        d.AppName,
		version:        d.Version,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, gerr := ParseRoute(r.URL.Path)
	if gerr != nil {
		writeError(w, h.logger, clock.NewTraceID(), gerr, nil)
		return
	}

	switch route.Kind {
	case RouteRoot:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("running"))
	case RouteHealth:
		h.handleHealth(w, r)
	case RouteProxy:
		h.handleProxy(w, r, route)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"app":     h.appName,
		"version": h.version,
		"ts":      h.clock.Now().Unix(),
	})
}
