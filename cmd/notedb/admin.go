package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/gc"
	"github.com/bobg/notedb/index"
	"github.com/bobg/notedb/migrate"
	"github.com/bobg/notedb/schema"
	"github.com/bobg/notedb/store"
)

func (c maincmd) init(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	r, err := c.open(ctx, openOpts{init: true})
	if err != nil {
		return err
	}
	defer r.Close()

	v, err := r.Schema().CurrentVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("initialized at schema version %d\n", v)
	return nil
}

func (c maincmd) search(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		fresh = fs.Bool("fresh", false, "repair stale results before returning them")
		limit = fs.Int("limit", index.DefaultLimit, "page size")
		token = fs.String("token", "", "next-page token from a previous search")
	)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	pred, err := index.ParsePredicate(strings.Join(fs.Args(), " "))
	if err != nil {
		return errors.Wrap(err, "parsing query")
	}

	r, err := c.open(ctx, openOpts{})
	if err != nil {
		return err
	}
	defer r.Close()

	search := r.Search
	if *fresh {
		search = r.SearchFresh
	}
	keys, next, err := search(ctx, pred, *token, *limit)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	if next != "" {
		fmt.Fprintf(os.Stderr, "next page: -token %s\n", next)
	}
	return nil
}

func (c maincmd) stale(ctx context.Context, fs *flag.FlagSet, args []string) error {
	return c.eachKey(ctx, fs, args, func(ctx context.Context, key notedb.Key, s stalenessChecker) error {
		stale, err := s.DetectStale(ctx, key)
		if err != nil {
			return errors.Wrapf(err, "checking %s", key)
		}
		fmt.Printf("%s stale=%v\n", key, stale)
		return nil
	})
}

func (c maincmd) refresh(ctx context.Context, fs *flag.FlagSet, args []string) error {
	return c.eachKey(ctx, fs, args, func(ctx context.Context, key notedb.Key, s stalenessChecker) error {
		repaired, err := s.Refresh(ctx, key)
		if err != nil {
			return errors.Wrapf(err, "refreshing %s", key)
		}
		if repaired {
			fmt.Printf("%s repaired\n", key)
		}
		return nil
	})
}

type stalenessChecker interface {
	DetectStale(context.Context, notedb.Key) (bool, error)
	Refresh(context.Context, notedb.Key) (bool, error)
}

func (c maincmd) eachKey(ctx context.Context, fs *flag.FlagSet, args []string, f func(context.Context, notedb.Key, stalenessChecker) error) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() == 0 {
		return errors.New("no keys given")
	}
	var keys []notedb.Key
	for _, arg := range fs.Args() {
		key, err := notedb.ParseKey(arg)
		if err != nil {
			return errors.Wrapf(err, "parsing key %s", arg)
		}
		keys = append(keys, key)
	}

	r, err := c.open(ctx, openOpts{})
	if err != nil {
		return err
	}
	defer r.Close()

	for _, key := range keys {
		if err := f(ctx, key, r.Synchronizer()); err != nil {
			return err
		}
	}
	return nil
}

func (c maincmd) reindex(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	r, err := c.open(ctx, openOpts{})
	if err != nil {
		return err
	}
	defer r.Close()

	n, err := r.Synchronizer().ReindexAll(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("indexed %d entities\n", n)
	return nil
}

func (c maincmd) schema(ctx context.Context) (*schema.Registry, error) {
	b, err := c.backend(ctx)
	if err != nil {
		return nil, err
	}
	return migrate.NewRegistry(b, &schema.Options{Logger: c.log, Metrics: c.m})
}

// Version reports the stored and supported schema versions
// without requiring that they match.
func (c maincmd) version(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	reg, err := c.schema(ctx)
	if err != nil {
		return err
	}
	v, err := reg.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("stored %d, supported %d\n", v, reg.Latest())
	return nil
}

func (c maincmd) migrate(ctx context.Context, fs *flag.FlagSet, args []string) error {
	to := fs.Int("to", 0, "target version (default: latest)")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	reg, err := c.schema(ctx)
	if err != nil {
		return err
	}
	target := *to
	if target == 0 {
		target = reg.Latest()
	}
	if err = reg.MigrateTo(ctx, target); err != nil {
		return err
	}
	fmt.Printf("at schema version %d\n", target)
	return nil
}

func (c maincmd) gc(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		dryRun = fs.Bool("n", false, "dry run: count unreachable objects without deleting them")
		force  = fs.Bool("force", false, "delete objects (required unless -n)")
		grace  = fs.Duration("grace", time.Minute, "wait this long for in-flight writes before deleting")
	)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if !*dryRun && !*force {
		return errors.New("gc deletes objects; pass -force, or -n for a dry run")
	}
	if !*dryRun {
		c.log.WithField("grace", *grace).Warn("collecting garbage; a write slower than the grace period may lose objects")
	}
	b, err := c.backend(ctx)
	if err != nil {
		return err
	}
	gb, ok := b.(gc.Backend)
	if !ok {
		return fmt.Errorf("store type %v cannot delete objects", c.conf.Store["type"])
	}
	n, err := gc.Collect(ctx, gb, &gc.Options{DryRun: *dryRun, Grace: *grace, Logger: c.log, Metrics: c.m})
	if err != nil {
		return err
	}
	if *dryRun {
		fmt.Printf("would delete %d objects\n", n)
	} else {
		fmt.Printf("deleted %d objects\n", n)
	}
	return nil
}

// Sync copies every object and ref from the configured store
// to the store described in another config file.
func (c maincmd) sync(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		to     = fs.String("to", "", "config file naming the destination store")
		prefix = fs.String("prefix", "", "copy only refs with this prefix")
	)
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if *to == "" {
		return errors.New("missing -to")
	}
	dstConf, err := loadConfig(*to)
	if err != nil {
		return err
	}

	src, err := c.backend(ctx)
	if err != nil {
		return err
	}
	dst, err := c.stores.CreateFromConfig(ctx, dstConf.Store)
	if err != nil {
		return errors.Wrap(err, "creating destination store")
	}

	if err = store.Sync(ctx, []notedb.Store{src, dst}); err != nil {
		return errors.Wrap(err, "syncing objects")
	}
	n, err := store.CopyRefs(ctx, src, dst, *prefix)
	if err != nil {
		return errors.Wrap(err, "copying refs")
	}
	fmt.Printf("updated %d refs\n", n)
	return nil
}

func (c maincmd) refs(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	var prefix string
	if fs.NArg() > 0 {
		prefix = fs.Arg(0)
	}
	b, err := c.backend(ctx)
	if err != nil {
		return err
	}
	return b.ListRefs(ctx, prefix, func(name string, h notedb.Hash) error {
		fmt.Printf("%s %s\n", h, name)
		return nil
	})
}

func (c maincmd) stats(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	r, err := c.open(ctx, openOpts{})
	if err != nil {
		return err
	}
	defer r.Close()

	s, err := r.Stats(ctx)
	if err != nil {
		return err
	}
	return printYAML(s)
}
