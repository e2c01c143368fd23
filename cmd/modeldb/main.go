// modeldb 按引擎配置对模型执行增删改查
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"github.com/hatlonely/modeldb/engine"
	"github.com/hatlonely/modeldb/model"
)

const usage = `Usage: modeldb [options] <command> [model] [id]

Commands:
  models              list registered models
  create <model>      create the collection of a model
  empty <model>       print a record made of field defaults
  get <model> <id>    find a record by id
  findone <model>     find the first record matching --query
  find <model>        find records matching --query
  count <model>       count records matching --query
  insert <model>      insert --doc, an object or an array of objects
  update <model>      update records matching --query with --doc
  delete <model>      delete records matching --query

Options:
`

// exit codes
const (
	exitOK = iota
	exitUsage
	exitConfig
	exitOperation
)

type flags struct {
	config  string
	lang    string
	tenant  string
	view    string
	query   string
	doc     string
	limit   int
	skip    int
	orderBy []string
	many    bool
	upsert  bool
	meta    bool
	vars    map[string]string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var f flags
	fs := flag.NewFlagSet("modeldb", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVarP(&f.config, "config", "c", "modeldb.yaml", "engine config file")
	fs.StringVar(&f.lang, "lang", "en", "language of labels")
	fs.StringVar(&f.tenant, "tenant", "", "tenant, empty for single tenant")
	fs.StringVar(&f.view, "view", "", "view name")
	fs.StringVarP(&f.query, "query", "q", "", "query as a JSON object")
	fs.StringVarP(&f.doc, "doc", "d", "", "document as JSON")
	fs.IntVar(&f.limit, "limit", 0, "max records to return, 0 for all")
	fs.IntVar(&f.skip, "skip", 0, "records to skip")
	fs.StringSliceVar(&f.orderBy, "order-by", nil, `sort keys like "name desc"`)
	fs.BoolVar(&f.many, "many", false, "update or delete every matching record")
	fs.BoolVar(&f.upsert, "upsert", false, "insert when nothing matches the update")
	fs.BoolVar(&f.meta, "meta", false, "attach view metadata to results")
	fs.StringToStringVar(&f.vars, "var", nil, "default template variables, key=value")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return exitUsage
	}

	e, err := engine.LoadEngine(f.config)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitConfig
	}
	defer func() { _ = e.Close() }()

	out, err := execute(context.Background(), e, rest, &f)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			return exitUsage
		}
		return exitOperation
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "Error: encode result failed: %v\n", err)
		return exitOperation
	}
	return exitOK
}

var errUsage = errors.New("usage")

func execute(ctx context.Context, e *engine.Engine, args []string, f *flags) (any, error) {
	command := args[0]
	if command == "models" {
		return e.Registry().ModelNames(), nil
	}
	if len(args) < 2 {
		return nil, errors.Wrapf(errUsage, "command [%s] requires a model", command)
	}
	inst, err := e.Instance(args[1], f.lang, f.tenant)
	if err != nil {
		return nil, err
	}

	opts := &model.Options{
		View:     f.view,
		Limit:    f.limit,
		Skip:     f.skip,
		OrderBy:  f.orderBy,
		Upsert:   f.upsert,
		WithMeta: f.meta,
	}
	if len(f.vars) > 0 {
		opts.Variables = map[string]any{}
		for k, v := range f.vars {
			opts.Variables[k] = v
		}
	}
	query, err := decodeObject(f.query)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid --query")
	}

	switch command {
	case "create":
		if err := inst.CreateCollection(ctx, opts); err != nil {
			return nil, err
		}
		return map[string]any{"created": inst.Collection()}, nil
	case "empty":
		return inst.GetEmpty(ctx, opts)
	case "get":
		if len(args) < 3 {
			return nil, errors.Wrap(errUsage, "get requires an id")
		}
		return inst.FindByID(ctx, parseID(args[2]), opts)
	case "findone":
		return inst.FindOne(ctx, query, opts)
	case "find":
		return inst.Find(ctx, query, opts)
	case "count":
		n, err := inst.Count(ctx, query, opts)
		return map[string]any{"count": n}, err
	case "insert":
		return insert(ctx, inst, f.doc, opts)
	case "update":
		doc, err := decodeObject(f.doc)
		if err != nil {
			return nil, errors.WithMessage(err, "invalid --doc")
		}
		if len(doc) == 0 {
			return nil, errors.Wrap(errUsage, "update requires --doc")
		}
		var n int64
		if f.many {
			n, err = inst.UpdateMany(ctx, query, doc, opts)
		} else {
			n, err = inst.UpdateOne(ctx, query, doc, opts)
		}
		return map[string]any{"updated": n}, err
	case "delete":
		var n int64
		if f.many {
			n, err = inst.DeleteMany(ctx, query, opts)
		} else {
			n, err = inst.DeleteOne(ctx, query, opts)
		}
		return map[string]any{"deleted": n}, err
	}
	return nil, errors.Wrapf(errUsage, "unknown command [%s]", command)
}

func insert(ctx context.Context, inst *model.Instance, data string, opts *model.Options) (any, error) {
	v, err := decode(data)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid --doc")
	}
	switch x := v.(type) {
	case map[string]any:
		id, err := inst.InsertOne(ctx, x, opts)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": id}, nil
	case []any:
		docs := make([]model.Record, 0, len(x))
		for i, item := range x {
			doc, ok := item.(map[string]any)
			if !ok {
				return nil, errors.Errorf("invalid --doc: element [%d] is not an object", i)
			}
			docs = append(docs, doc)
		}
		n, err := inst.InsertMany(ctx, docs, opts)
		return map[string]any{"inserted": n}, err
	}
	return nil, errors.Wrap(errUsage, "insert requires --doc")
}

// decode 解析 JSON，整数保持为 int64
func decode(data string) (any, error) {
	if strings.TrimSpace(data) == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(err, "json decode failed")
	}
	return numbers(v), nil
}

func decodeObject(data string) (map[string]any, error) {
	v, err := decode(data)
	if err != nil || v == nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("not a JSON object")
	}
	return m, nil
}

func numbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil && !math.IsInf(f, 0) {
			return f
		}
		return x.String()
	case map[string]any:
		for k, item := range x {
			x[k] = numbers(item)
		}
	case []any:
		for i, item := range x {
			x[i] = numbers(item)
		}
	}
	return v
}

func parseID(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}
