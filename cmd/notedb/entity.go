package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/entity"
	"github.com/bobg/notedb/index"
	"github.com/bobg/notedb/note"
)

func parseKeyArg(fs *flag.FlagSet) (notedb.Key, []string, error) {
	args := fs.Args()
	if len(args) == 0 {
		return notedb.Key{}, nil, errors.New("missing key")
	}
	key, err := notedb.ParseKey(args[0])
	return key, args[1:], errors.Wrapf(err, "parsing key %s", args[0])
}

func (c maincmd) get(ctx context.Context, fs *flag.FlagSet, args []string) error {
	atstr := fs.String("at", "", "hash of revision to materialize (default: head)")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	key, _, err := parseKeyArg(fs)
	if err != nil {
		return err
	}

	r, err := c.open(ctx, openOpts{})
	if err != nil {
		return err
	}
	defer r.Close()

	var st *entity.State
	if *atstr != "" {
		h, err := notedb.HashFromHex(*atstr)
		if err != nil {
			return errors.Wrapf(err, "decoding hash %s", *atstr)
		}
		hist, err := r.History(ctx, key)
		if err != nil {
			return err
		}
		var found bool
		for _, e := range hist {
			if e.Hash == h {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%s is not in the history of %s", h, key)
		}
		m, err := entity.New(r.Backend(), nil)
		if err != nil {
			return err
		}
		if st, err = m.Materialize(ctx, h); err != nil {
			return err
		}
	} else if st, err = r.ReadEntity(ctx, key); err != nil {
		return err
	}

	return printYAML(stateYAML(key, st))
}

func (c maincmd) history(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	key, _, err := parseKeyArg(fs)
	if err != nil {
		return err
	}

	r, err := c.open(ctx, openOpts{})
	if err != nil {
		return err
	}
	defer r.Close()

	hist, err := r.History(ctx, key)
	if err != nil {
		return err
	}
	for _, e := range hist {
		fmt.Print(e.Hash)
		if e.Revision.Deleted {
			fmt.Print(" deleted")
		}
		fmt.Println()
		for _, f := range e.Revision.Fields {
			fmt.Printf("  %s %s", f.Op, f.Name)
			if f.Op != note.OpUnset {
				fmt.Printf(" %s", f.Value)
			}
			fmt.Println()
		}
	}
	return nil
}

// set KEY NAME=VALUE...
func (c maincmd) set(ctx context.Context, fs *flag.FlagSet, args []string) error {
	unset := fs.Bool("unset", false, "unset the named fields instead (args are NAME...)")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	key, rest, err := parseKeyArg(fs)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return errors.New("nothing to set")
	}

	var fields []note.Field
	for _, arg := range rest {
		if *unset {
			fields = append(fields, note.Unset(arg))
			continue
		}
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return fmt.Errorf("malformed assignment %q: want NAME=VALUE", arg)
		}
		v, err := index.ParseValue(raw)
		if err != nil {
			return errors.Wrapf(err, "parsing value of %s", name)
		}
		fields = append(fields, note.Set(name, v))
	}
	return c.write(ctx, key, fields)
}

// add KEY NAME VALUE...
func (c maincmd) add(ctx context.Context, fs *flag.FlagSet, args []string) error {
	return c.collection(ctx, fs, args, note.Add)
}

// remove KEY NAME VALUE...
func (c maincmd) remove(ctx context.Context, fs *flag.FlagSet, args []string) error {
	return c.collection(ctx, fs, args, note.Remove)
}

func (c maincmd) collection(ctx context.Context, fs *flag.FlagSet, args []string, op func(string, ...note.Value) note.Field) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	key, rest, err := parseKeyArg(fs)
	if err != nil {
		return err
	}
	if len(rest) < 2 {
		return errors.New("need a field name and at least one value")
	}
	var vals []note.Value
	for _, raw := range rest[1:] {
		v, err := index.ParseValue(raw)
		if err != nil {
			return errors.Wrapf(err, "parsing value %s", raw)
		}
		vals = append(vals, v)
	}
	return c.write(ctx, key, []note.Field{op(rest[0], vals...)})
}

func (c maincmd) write(ctx context.Context, key notedb.Key, fields []note.Field) error {
	r, err := c.open(ctx, openOpts{})
	if err != nil {
		return err
	}
	defer r.Close()

	res, err := r.ProposeUpdate(ctx, key, func(*entity.State) ([]note.Field, error) { return fields, nil })
	if err != nil {
		return err
	}
	fmt.Printf("%s %s (attempts: %d)\n", key, res.Head, res.Attempts)
	return nil
}

func (c maincmd) delete(ctx context.Context, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}
	key, _, err := parseKeyArg(fs)
	if err != nil {
		return err
	}

	r, err := c.open(ctx, openOpts{})
	if err != nil {
		return err
	}
	defer r.Close()

	res, err := r.Delete(ctx, key)
	if err != nil {
		return err
	}
	fmt.Printf("%s deleted at %s\n", key, res.Head)
	return nil
}

type entityYAML struct {
	Key       string                 `yaml:"key"`
	Head      string                 `yaml:"head"`
	Revisions int                    `yaml:"revisions"`
	Deleted   bool                   `yaml:"deleted,omitempty"`
	Fields    map[string]interface{} `yaml:"fields"`
}

func stateYAML(key notedb.Key, st *entity.State) entityYAML {
	out := entityYAML{
		Key:       key.String(),
		Head:      st.Head.String(),
		Revisions: st.Revisions,
		Deleted:   st.Deleted,
		Fields:    make(map[string]interface{}, len(st.Fields)),
	}
	for name, v := range st.Fields {
		out.Fields[name] = plain(v)
	}
	return out
}

func plain(v note.Value) interface{} {
	switch v.Kind() {
	case note.KindString:
		return v.Str()
	case note.KindInt:
		return v.Int64()
	case note.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case note.KindList:
		out := make([]interface{}, 0, len(v.Elems()))
		for _, e := range v.Elems() {
			out = append(out, plain(e))
		}
		return out
	}
	return nil
}

func printYAML(v interface{}) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "encoding output")
	}
	return enc.Close()
}
