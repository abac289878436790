package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/HsiangNianian/tripsync/internal/binding"
	"github.com/HsiangNianian/tripsync/internal/config"
	"github.com/HsiangNianian/tripsync/internal/gateway"
	"github.com/HsiangNianian/tripsync/internal/logging"
	"github.com/HsiangNianian/tripsync/internal/metrics"
	"github.com/HsiangNianian/tripsync/internal/store"
	"github.com/HsiangNianian/tripsync/internal/ws"
)

// cli builds the runtime lazily so that --help never touches config.
type cli struct {
	v   *viper.Viper
	app *app
}

type app struct {
	cfg      config.Config
	log      *logrus.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	gateway  *gateway.Gateway
	store    store.Store
	closer   io.Closer
}

func (c *cli) load() (*app, error) {
	if c.app != nil {
		return c.app, nil
	}

	cfg, err := config.Load(c.v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if s := c.v.GetString("base_url"); s != "" {
		cfg.API.BaseURL = strings.TrimSuffix(s, "/")
	}
	if s := c.v.GetString("redis_addr"); s != "" {
		cfg.Store.RedisAddr = s
	}
	if s := c.v.GetString("log_level"); s != "" {
		cfg.Log.Level = s
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.log = logging.New(cfg.Log.Level, cfg.Log.Format)
	a.metrics = metrics.New(a.registry)

	if cfg.Store.RedisAddr != "" {
		rs := store.NewRedisStore(cfg.Store.RedisAddr, cfg.Store.KeyPrefix)
		a.store, a.closer = rs, rs
		a.log.WithField("addr", cfg.Store.RedisAddr).Debug("use redis store")
	} else {
		a.store = store.NewMemoryStore()
		a.log.Debug("use memory store")
	}

	a.gateway, err = gateway.New(gateway.Options{
		BaseURL: cfg.API.BaseURL,
		Headers: cfg.Headers(),
		Timeout: cfg.Timeout(),
		Logger:  a.log,
		Metrics: a.metrics,
	})
	if err != nil {
		return nil, err
	}

	c.app = a
	return a, nil
}

func (c *cli) close() error {
	if c.app == nil || c.app.closer == nil {
		return nil
	}
	closer := c.app.closer
	c.app.closer = nil
	return closer.Close()
}

// binding returns a binding over the shared connection manager.
func (a *app) binding() (*binding.Binding, error) {
	mgr, err := ws.Shared(ws.Options{
		URLTemplate:      a.cfg.RealtimeTemplate(),
		Header:           a.cfg.HTTPHeader(),
		HandshakeTimeout: a.cfg.HandshakeTimeout(),
		PingInterval:     a.cfg.PingInterval(),
		Logger:           a.log,
		Metrics:          a.metrics,
	})
	if err != nil {
		return nil, err
	}
	return binding.New(binding.Options{
		Gateway:          a.gateway,
		Connections:      mgr,
		Logger:           a.log,
		ReconnectLimiter: a.cfg.ReconnectLimiter(),
	}), nil
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		_, err := fmt.Fprintln(w, "null")
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
