// Command notedb is an operator CLI for notedb repositories.
//
// Usage:
//
//	notedb [-config FILE] SUBCOMMAND [ARGS]
//
// The config file (YAML) names the backend and index, for example:
//
//	store:
//	  type: sqlite3
//	  conn: notedb.db
//	index:
//	  type: sqlite3
//	  conn: index.db
//	log:
//	  level: info
package main

import (
	"context"
	"flag"
	"os"

	"github.com/bobg/subcmd"
	"github.com/sirupsen/logrus"

	"github.com/bobg/notedb/index"
	imem "github.com/bobg/notedb/index/mem"
	isqlite3 "github.com/bobg/notedb/index/sqlite3"
	"github.com/bobg/notedb/metrics"
	"github.com/bobg/notedb/store"
	"github.com/bobg/notedb/store/badger"
	"github.com/bobg/notedb/store/bt"
	"github.com/bobg/notedb/store/file"
	"github.com/bobg/notedb/store/gcs"
	"github.com/bobg/notedb/store/logging"
	"github.com/bobg/notedb/store/lru"
	"github.com/bobg/notedb/store/mem"
	"github.com/bobg/notedb/store/pg"
	"github.com/bobg/notedb/store/replica"
	"github.com/bobg/notedb/store/sqlite3"
)

type maincmd struct {
	conf    *config
	stores  *store.Registry
	indexes *index.Registry
	log     *logrus.Logger
	m       *metrics.Metrics
}

func main() {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	configFile := flag.String("config", "notedb.yaml", "path to config file")
	flag.Parse()

	if *configFile == "" {
		log.Fatal("Config value not set")
	}

	conf, err := loadConfig(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	if err = conf.Log.apply(log); err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()

	m, err := conf.Metrics.start(ctx, log)
	if err != nil {
		log.Fatal(err)
	}

	c := maincmd{
		conf:    conf,
		stores:  newStoreRegistry(log),
		indexes: newIndexRegistry(),
		log:     log,
		m:       m,
	}

	err = subcmd.Run(ctx, c, flag.Args())
	if err != nil {
		log.Fatal(err)
	}
}

func newStoreRegistry(log logrus.FieldLogger) *store.Registry {
	r := store.NewRegistry()
	mem.Register(r)
	file.Register(r)
	sqlite3.Register(r)
	pg.Register(r)
	gcs.Register(r)
	bt.Register(r)
	badger.Register(r)
	lru.Register(r)
	logging.Register(r, log)
	replica.Register(r)
	return r
}

func newIndexRegistry() *index.Registry {
	r := index.NewRegistry()
	imem.Register(r)
	isqlite3.Register(r)
	return r
}

func (c maincmd) Subcmds() map[string]subcmd.Subcmd {
	return map[string]subcmd.Subcmd{
		"init":          c.init,
		"get":           c.get,
		"history":       c.history,
		"set":           c.set,
		"add":           c.add,
		"remove":        c.remove,
		"delete":        c.delete,
		"search":        c.search,
		"stale":         c.stale,
		"refresh":       c.refresh,
		"reindex":       c.reindex,
		"version":       c.version,
		"migrate":       c.migrate,
		"gc":            c.gc,
		"sync":          c.sync,
		"refs":          c.refs,
		"next-id":       c.nextID,
		"stats":         c.stats,
		"create-change": c.createChange,
		"show-change":   c.showChange,
		"review":        c.review,
	}
}
