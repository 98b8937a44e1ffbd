// Package serv exposes the query engine over HTTP: a chi-routed JSON API,
// a websocket progress stream and config hot reload.
package serv

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dilsor/dilsor/core"
	"github.com/dilsor/dilsor/serv/internal/util"
)

var version string

const (
	serverName = "Dilsor"
	defaultHP  = "0.0.0.0:8080"
)

const (
	servStarting int32 = iota
	servListening
)

// dilsorService is one immutable instance of the running service. Reload
// builds a new one and swaps it into the HttpService.
type dilsorService struct {
	conf   *Config
	zlog   *zap.Logger
	log    *zap.SugaredLogger
	dilsor *core.Dilsor
	srv    *http.Server
	state  int32
}

// HttpService is the service handle. The inner value swaps atomically on
// config reload so in-flight requests finish against the old instance.
type HttpService struct {
	atomic.Value
}

// Option configures the service during creation.
type Option func(*dilsorService) error

// OptionSetZapLogger replaces the logger built from the config.
func OptionSetZapLogger(zlog *zap.Logger) Option {
	return func(s *dilsorService) error {
		s.zlog = zlog
		s.log = zlog.Sugar()
		return nil
	}
}

// OptionSetEngine plugs in an already-built engine, used by tests and
// embedders.
func OptionSetEngine(d *core.Dilsor) Option {
	return func(s *dilsorService) error {
		s.dilsor = d
		return nil
	}
}

// NewDilsorService creates the service from a config.
func NewDilsorService(conf *Config, options ...Option) (*HttpService, error) {
	s1 := &HttpService{}
	if err := s1.newDilsorService(conf, options...); err != nil {
		return nil, err
	}
	return s1, nil
}

func (s1 *HttpService) newDilsorService(conf *Config, options ...Option) error {
	s := &dilsorService{conf: conf, state: servStarting}

	if err := s.initConfig(); err != nil {
		return err
	}

	for _, op := range options {
		if err := op(s); err != nil {
			return err
		}
	}

	if s.zlog == nil {
		s.zlog = util.NewLogger(conf.LogFormat == "json", util.ParseLevel(conf.LogLevel))
		s.log = s.zlog.Sugar()
	}

	if s.dilsor == nil {
		d, err := core.New(context.Background(), &conf.Core,
			core.OptionSetLogger(s.log))
		if err != nil {
			return err
		}
		s.dilsor = d
	}

	s1.Store(s)
	return nil
}

func (s1 *HttpService) service() *dilsorService {
	return s1.Load().(*dilsorService)
}

// Start runs the HTTP server. It blocks until shutdown.
func (s1 *HttpService) Start() error {
	if s := s1.service(); s.conf.WatchAndReload && !s.conf.Production {
		initConfigWatcher(s1)
	}
	startHTTP(s1)
	return nil
}

// initConfigWatcher starts the watcher for the service config file.
func initConfigWatcher(s1 *HttpService) {
	s := s1.service()
	go func() {
		if err := startConfigWatcher(s1); err != nil {
			s.log.Fatalf("error in config file watcher: %s", err)
		}
	}()
}

// startHTTP starts the HTTP server.
func startHTTP(s1 *HttpService) {
	s := s1.service()

	r := chi.NewRouter()
	routes, err := routesHandler(s1, r)
	if err != nil {
		s.log.Fatalf("error setting up routes: %s", err)
	}

	s.srv = &http.Server{
		Addr:              s.conf.hostPort,
		Handler:           routes,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 10 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		if err := s.srv.Shutdown(context.Background()); err != nil {
			s.log.Warn("shutdown signal received")
		}
		close(idleConnsClosed)
	}()

	s.srv.RegisterOnShutdown(func() {
		if err := s.dilsor.Close(); err != nil {
			s.log.Warnf("engine close: %s", err)
		}
		s.log.Info("shutdown complete")
	})

	ver := version
	if ver == "" {
		ver = "not-set"
	}

	fields := []zapcore.Field{
		zap.String("version", ver),
		zap.String("host-port", s.conf.hostPort),
		zap.String("app-name", s.conf.AppName),
		zap.String("env", os.Getenv("GO_ENV")),
		zap.Bool("production", s.conf.Production),
		zap.Int("databases", len(s.dilsor.Databases())),
	}

	s.zlog.Info("Dilsor started", fields...)

	l, err := net.Listen("tcp", s.conf.hostPort)
	if err != nil {
		s.log.Fatalf("failed to init port: %s", err)
	}

	// signal we are open for business
	atomic.StoreInt32(&s.state, servListening)

	if err := s.srv.Serve(l); err != http.ErrServerClosed {
		s.log.Fatalf("failed to start: %s", err)
	}
	<-idleConnsClosed
}

// setServerHeader sets the Server header on every response.
func setServerHeader(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", serverName)
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}
