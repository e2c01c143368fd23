package decorator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hatlonely/modeldb/log"
	"github.com/hatlonely/modeldb/model"
	"github.com/hatlonely/modeldb/ref"
)

type ObservableDecoratorOptions struct {
	Logger *ref.TypeOptions `cfg:"logger"`

	// EnableMetrics 是否启用指标收集
	EnableMetrics bool `cfg:"enableMetrics" def:"true"`

	// EnableLogging 是否启用日志记录
	EnableLogging bool `cfg:"enableLogging" def:"true"`

	// EnableTracing 是否启用分布式追踪
	EnableTracing bool `cfg:"enableTracing" def:"false"`

	// Name 指标名前缀、日志 component 字段和 span 的 component 属性
	Name string `cfg:"name" def:"modeldb"`

	// 为 nil 时使用 prometheus 默认 registry
	Registerer prometheus.Registerer `cfg:"-"`
}

// ObservableMetrics 封装 prometheus 指标
type ObservableMetrics struct {
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	activeOperations  *prometheus.GaugeVec
	batchSize         *prometheus.HistogramVec
}

// NewObservableMetrics 创建并注册指标，同名指标已注册时复用已有的
func NewObservableMetrics(name string, registerer prometheus.Registerer) (*ObservableMetrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := []string{"model", "operation"}
	m := &ObservableMetrics{
		operationCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: name + "_operations_total",
				Help: "Total number of model operations",
			},
			[]string{"model", "operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    name + "_operation_duration_seconds",
				Help:    "Duration of model operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			labels,
		),
		activeOperations: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: name + "_active_operations",
				Help: "Number of active model operations",
			},
			labels,
		),
		batchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    name + "_batch_size",
				Help:    "Size of batch inserts",
				Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
			},
			labels,
		),
	}

	var err error
	if m.operationCounter, err = register(registerer, m.operationCounter); err != nil {
		return nil, err
	}
	if m.operationDuration, err = register(registerer, m.operationDuration); err != nil {
		return nil, err
	}
	if m.activeOperations, err = register(registerer, m.activeOperations); err != nil {
		return nil, err
	}
	if m.batchSize, err = register(registerer, m.batchSize); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, errors.Wrap(err, "register prometheus collector failed")
	}
	return c, nil
}

// ObservableDecorator 为模型操作添加指标、日志和追踪
type ObservableDecorator struct {
	logger        log.Logger
	metrics       *ObservableMetrics
	tracer        trace.Tracer
	name          string
	enableMetrics bool
	enableLogging bool
	enableTracing bool
}

func NewObservableDecoratorWithOptions(options *ObservableDecoratorOptions) (*ObservableDecorator, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}
	name := options.Name
	if name == "" {
		name = "modeldb"
	}
	obs := &ObservableDecorator{
		name:          name,
		enableMetrics: options.EnableMetrics,
		enableLogging: options.EnableLogging,
		enableTracing: options.EnableTracing,
	}

	if options.EnableLogging {
		l, err := log.NewLoggerWithOptions(options.Logger)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to create logger")
		}
		obs.logger = l.WithGroup("observable")
	}
	if options.EnableMetrics {
		metrics, err := NewObservableMetrics(name, options.Registerer)
		if err != nil {
			return nil, err
		}
		obs.metrics = metrics
	}
	if options.EnableTracing {
		obs.tracer = otel.Tracer("modeldb." + name)
	}
	return obs, nil
}

func (obs *ObservableDecorator) SetLogger(logger log.Logger) {
	if logger != nil && obs.enableLogging {
		obs.logger = logger.WithGroup("observable")
	}
}

// observe 统一的操作观测逻辑，batch 大于 0 时记录批量大小
func (obs *ObservableDecorator) observe(ctx context.Context, operation string, inst *model.Instance, batch int, fn func(context.Context) error) error {
	start := time.Now()
	modelName := inst.Model().Name()

	var span trace.Span
	if obs.tracer != nil {
		attrs := []attribute.KeyValue{
			attribute.String("component", obs.name),
			attribute.String("model", modelName),
			attribute.String("operation", operation),
			attribute.String("tenant", inst.Tenant()),
		}
		if batch > 0 {
			attrs = append(attrs, attribute.Int("batch_size", batch))
		}
		ctx, span = obs.tracer.Start(ctx, "modeldb."+operation, trace.WithAttributes(attrs...))
		defer span.End()
	}

	if obs.metrics != nil {
		if batch > 0 {
			obs.metrics.batchSize.WithLabelValues(modelName, operation).Observe(float64(batch))
		}
		obs.metrics.activeOperations.WithLabelValues(modelName, operation).Inc()
		defer obs.metrics.activeOperations.WithLabelValues(modelName, operation).Dec()
	}

	err := fn(ctx)
	duration := time.Since(start)
	// 没有匹配的记录不算失败
	failed := err != nil && !errors.Is(err, model.ErrNotFound)

	if span != nil {
		span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))
		if failed {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}

	if obs.metrics != nil {
		status := "success"
		if failed {
			status = "error"
		}
		obs.metrics.operationCounter.WithLabelValues(modelName, operation, status).Inc()
		obs.metrics.operationDuration.WithLabelValues(modelName, operation).Observe(duration.Seconds())
	}

	if obs.logger != nil {
		if failed {
			obs.logger.ErrorContext(ctx, "model operation failed",
				"component", obs.name,
				"model", modelName,
				"operation", operation,
				"duration_ms", duration.Milliseconds(),
				"error", err.Error(),
			)
		} else {
			obs.logger.DebugContext(ctx, "model operation completed",
				"component", obs.name,
				"model", modelName,
				"operation", operation,
				"duration_ms", duration.Milliseconds(),
			)
		}
	}
	return err
}

func (obs *ObservableDecorator) GetEmpty(ctx context.Context, opts *model.Options, inst *model.Instance, next model.Backend) (*model.Result, error) {
	var res *model.Result
	err := obs.observe(ctx, "getEmpty", inst, 0, func(ctx context.Context) (err error) {
		res, err = next.GetEmpty(ctx, opts, inst)
		return err
	})
	return res, err
}

func (obs *ObservableDecorator) FindOne(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance, next model.Backend) (*model.Result, error) {
	var res *model.Result
	err := obs.observe(ctx, "findOne", inst, 0, func(ctx context.Context) (err error) {
		res, err = next.FindOne(ctx, query, opts, inst)
		return err
	})
	return res, err
}

func (obs *ObservableDecorator) Find(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance, next model.Backend) (*model.ListResult, error) {
	var res *model.ListResult
	err := obs.observe(ctx, "find", inst, 0, func(ctx context.Context) (err error) {
		res, err = next.Find(ctx, query, opts, inst)
		return err
	})
	return res, err
}

func (obs *ObservableDecorator) Count(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance, next model.Backend) (int64, error) {
	var n int64
	err := obs.observe(ctx, "count", inst, 0, func(ctx context.Context) (err error) {
		n, err = next.Count(ctx, query, opts, inst)
		return err
	})
	return n, err
}

func (obs *ObservableDecorator) InsertOne(ctx context.Context, doc model.Record, opts *model.Options, inst *model.Instance, next model.Backend) (any, error) {
	var id any
	err := obs.observe(ctx, "insertOne", inst, 0, func(ctx context.Context) (err error) {
		id, err = next.InsertOne(ctx, doc, opts, inst)
		return err
	})
	return id, err
}

func (obs *ObservableDecorator) InsertMany(ctx context.Context, docs []model.Record, opts *model.Options, inst *model.Instance, next model.Backend) (int64, error) {
	var n int64
	err := obs.observe(ctx, "insertMany", inst, len(docs), func(ctx context.Context) (err error) {
		n, err = next.InsertMany(ctx, docs, opts, inst)
		return err
	})
	return n, err
}

func (obs *ObservableDecorator) UpdateOne(ctx context.Context, query model.Query, doc model.Record, upsert bool, opts *model.Options, inst *model.Instance, next model.Backend) (int64, error) {
	var n int64
	err := obs.observe(ctx, "updateOne", inst, 0, func(ctx context.Context) (err error) {
		n, err = next.UpdateOne(ctx, query, doc, upsert, opts, inst)
		return err
	})
	return n, err
}

func (obs *ObservableDecorator) UpdateMany(ctx context.Context, query model.Query, doc model.Record, opts *model.Options, inst *model.Instance, next model.Backend) (int64, error) {
	var n int64
	err := obs.observe(ctx, "updateMany", inst, 0, func(ctx context.Context) (err error) {
		n, err = next.UpdateMany(ctx, query, doc, opts, inst)
		return err
	})
	return n, err
}

func (obs *ObservableDecorator) DeleteOne(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance, next model.Backend) (int64, error) {
	var n int64
	err := obs.observe(ctx, "deleteOne", inst, 0, func(ctx context.Context) (err error) {
		n, err = next.DeleteOne(ctx, query, opts, inst)
		return err
	})
	return n, err
}

func (obs *ObservableDecorator) DeleteMany(ctx context.Context, query model.Query, opts *model.Options, inst *model.Instance, next model.Backend) (int64, error) {
	var n int64
	err := obs.observe(ctx, "deleteMany", inst, 0, func(ctx context.Context) (err error) {
		n, err = next.DeleteMany(ctx, query, opts, inst)
		return err
	})
	return n, err
}

func (obs *ObservableDecorator) CreateCollection(ctx context.Context, opts *model.Options, inst *model.Instance, next model.Backend) error {
	return obs.observe(ctx, "createCollection", inst, 0, func(ctx context.Context) error {
		return next.CreateCollection(ctx, opts, inst)
	})
}
