package main

import (
	"context"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/index"
	"github.com/bobg/notedb/metrics"
	"github.com/bobg/notedb/repo"
)

type config struct {
	Store   map[string]interface{} `yaml:"store"`
	Index   map[string]interface{} `yaml:"index"`
	Log     logConfig              `yaml:"log"`
	Metrics metricsConfig          `yaml:"metrics"`
	Repo    repoConfig             `yaml:"repo"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type metricsConfig struct {
	// Addr is where to serve /metrics while a command runs.
	// Empty means metrics are collected but not served.
	Addr string `yaml:"addr"`
}

type repoConfig struct {
	MaxRetries    int  `yaml:"max_retries"`
	SyncIndex     bool `yaml:"sync_index"`
	CacheSize     int  `yaml:"cache_size"`
	IndexWorkers  int  `yaml:"index_workers"`
	IndexQueueLen int  `yaml:"index_queue_len"`
}

func loadConfig(filename string) (*config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "opening config file %s", filename)
	}
	defer f.Close()

	conf := new(config)
	if err = yaml.NewDecoder(f).Decode(conf); err != nil {
		return nil, errors.Wrapf(err, "decoding config file %s", filename)
	}
	if conf.Store == nil {
		return nil, errors.Errorf("config file %s missing `store` section", filename)
	}
	if conf.Index == nil {
		conf.Index = map[string]interface{}{"type": "mem"}
	}
	return conf, nil
}

func (lc logConfig) apply(log *logrus.Logger) error {
	if lc.Level != "" {
		level, err := logrus.ParseLevel(lc.Level)
		if err != nil {
			return errors.Wrap(err, "parsing log level")
		}
		log.SetLevel(level)
	}
	switch lc.Format {
	case "", "text":
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q", lc.Format)
	}
	return nil
}

func (mc metricsConfig) start(ctx context.Context, log logrus.FieldLogger) (*metrics.Metrics, error) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if mc.Addr == "" {
		return m, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: mc.Addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("serving metrics")
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	return m, nil
}

func (c maincmd) backend(ctx context.Context) (notedb.Backend, error) {
	b, err := c.stores.CreateFromConfig(ctx, c.conf.Store)
	return b, errors.Wrap(err, "creating store")
}

func (c maincmd) index(ctx context.Context) (index.Index, error) {
	ix, err := c.indexes.CreateFromConfig(ctx, c.conf.Index)
	return ix, errors.Wrap(err, "creating index")
}

type openOpts struct {
	init, migrate bool
}

func (c maincmd) open(ctx context.Context, oo openOpts) (*repo.Repo, error) {
	b, err := c.backend(ctx)
	if err != nil {
		return nil, err
	}
	ix, err := c.index(ctx)
	if err != nil {
		return nil, err
	}
	rc := c.conf.Repo
	return repo.Open(ctx, b, ix, &repo.Options{
		MaxRetries:    rc.MaxRetries,
		SyncIndex:     rc.SyncIndex,
		CacheSize:     rc.CacheSize,
		IndexWorkers:  rc.IndexWorkers,
		IndexQueueLen: rc.IndexQueueLen,
		Init:          oo.init,
		AutoMigrate:   oo.migrate,
		Logger:        c.log,
		Metrics:       c.m,
	})
}
