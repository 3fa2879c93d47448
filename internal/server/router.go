package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// RouterConfig holds the optional pieces mounted next to the API
type RouterConfig struct {
	AllowedOrigins []string
	// DeviceStream serves /device-stream when the websocket transport is active
	DeviceStream http.Handler
	// Metrics serves MetricsPath when set
	Metrics     http.Handler
	MetricsPath string
	// StaticDir is served at / when set
	StaticDir string
}

// NewRouter builds the HTTP handler for the façade
func NewRouter(api *APIHandler, cfg RouterConfig, logger zerolog.Logger) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", api.HandleHealth).Methods(http.MethodGet)

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/data", api.HandleData).Methods(http.MethodGet)
	apiRouter.HandleFunc("/settings", api.HandleSettings).Methods(http.MethodGet)
	apiRouter.HandleFunc("/settings", api.HandleUpdateSettings).Methods(http.MethodPatch, http.MethodPut)
	apiRouter.HandleFunc("/control", api.HandleControl).Methods(http.MethodPost)
	apiRouter.HandleFunc("/control", api.HandleCommands).Methods(http.MethodGet)
	apiRouter.HandleFunc("/control/{id}", api.HandleCommandStatus).Methods(http.MethodGet)
	apiRouter.HandleFunc("/device", api.HandleDevice).Methods(http.MethodGet)

	if cfg.DeviceStream != nil {
		r.Handle("/device-stream", cfg.DeviceStream)
	}
	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, cfg.Metrics).Methods(http.MethodGet)
	}
	if cfg.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(cfg.StaticDir)))
	}

	var h http.Handler = r
	if len(cfg.AllowedOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(cfg.AllowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		)(h)
	}
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{logger}))(h)
	return handlers.LoggingHandler(logger.With().Str("source", "access").Logger(), h)
}

// recoveryLogger reports recovered panics through zerolog
type recoveryLogger struct {
	logger zerolog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error().Msg(fmt.Sprint(v...))
}
