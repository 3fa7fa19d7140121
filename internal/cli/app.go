package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/labeliq/internal/catalog"
	"github.com/roach88/labeliq/internal/collab"
	"github.com/roach88/labeliq/internal/config"
	"github.com/roach88/labeliq/internal/docstore"
	"github.com/roach88/labeliq/internal/engine"
	"github.com/roach88/labeliq/internal/ledger"
	"github.com/roach88/labeliq/internal/queue"
	"github.com/roach88/labeliq/internal/queue/kafka"
	"github.com/roach88/labeliq/internal/queue/local"
	"github.com/roach88/labeliq/internal/queue/rabbitmq"
)

// app is a fully wired process: ledger, stores, bus and controller.
type app struct {
	cfg    *config.Config
	ledger *ledger.Store
	input  docstore.Store
	output docstore.Store
	bus    queue.Bus

	// local is set when the bus is the in-process transport.
	local *local.Bus

	ctrl *engine.Controller
}

type appOptions struct {
	// forceLocal uses the in-process bus whatever the config says.
	forceLocal bool
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// newApp wires a process from cfg. Close releases everything it opened.
func newApp(ctx context.Context, cfg *config.Config, o appOptions) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	slog.Debug("opening ledger", "dialect", cfg.Ledger.Dialect)
	a.ledger, err = ledger.OpenDialect(ctx, ledger.Dialect(cfg.Ledger.Dialect), cfg.Ledger.DSN)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open ledger", err)
	}

	if a.input, err = openStore(ctx, cfg.Input); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open input store", err)
	}
	if a.output, err = openStore(ctx, cfg.Output); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open output store", err)
	}

	transport := cfg.Queue.Transport
	if o.forceLocal {
		transport = "local"
	}
	if a.bus, err = a.openBus(transport); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open queue", err)
	}

	cat, err := loadCatalog(cfg.Catalog.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load catalog", err)
	}

	deps := engine.Deps{
		Ledger:    a.ledger,
		Catalog:   cat,
		Input:     a.input,
		Output:    a.output,
		Publisher: a.bus,
	}
	if err := wireServices(cfg.Services, a.input, &deps); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to configure services", err)
	}

	a.ctrl, err = engine.New(deps, engine.Options{
		MaxRetries: cfg.Runner.MaxRetries,
		RetryDelay: cfg.Runner.RetryDelay,
		Timeout:    cfg.Services.Timeout,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build controller", err)
	}
	return a, nil
}

func (a *app) openBus(transport string) (queue.Bus, error) {
	q := a.cfg.Queue
	switch transport {
	case "local":
		a.local = local.New(local.Options{
			Workers:         q.Local.Workers,
			MaxDeliveries:   q.Local.MaxDeliveries,
			RedeliveryDelay: q.Local.RedeliveryDelay,
		})
		return a.local, nil
	case "rabbitmq":
		b, err := rabbitmq.Dial(rabbitmq.Config{
			URL:         q.RabbitMQ.URL,
			Exchange:    q.RabbitMQ.Exchange,
			QueuePrefix: q.RabbitMQ.QueuePrefix,
			Prefetch:    q.RabbitMQ.Prefetch,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case "kafka":
		b, err := kafka.New(kafka.Config{
			Brokers:     q.Kafka.Brokers,
			GroupID:     q.Kafka.GroupID,
			TopicPrefix: q.Kafka.TopicPrefix,
			MaxAttempts: q.Kafka.MaxAttempts,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown queue transport %q", transport)
}

// Close closes the bus and the ledger.
func (a *app) Close() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			slog.Error("error closing queue", "error", err)
		}
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			slog.Error("error closing ledger", "error", err)
		}
	}
}

func openStore(ctx context.Context, sc config.StorageConfig) (docstore.Store, error) {
	switch sc.Driver {
	case "dir", "":
		return docstore.NewDir(sc.Dir, sc.Bucket)
	case "s3":
		return docstore.NewS3(ctx, docstore.S3Config{
			Bucket:          sc.Bucket,
			Region:          sc.S3.Region,
			Endpoint:        sc.S3.Endpoint,
			AccessKeyID:     sc.S3.AccessKeyID,
			SecretAccessKey: sc.S3.SecretAccessKey,
			Prefix:          sc.S3.Prefix,
		})
	}
	return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	return catalog.Load(path)
}

// wireServices fills the collaborator fields of deps. The fields evaluator
// is always available; llm agents need services.evaluator_url and are
// degraded without it.
func wireServices(sc config.ServicesConfig, input docstore.Store, deps *engine.Deps) error {
	newClient := func(name, url string) (*collab.Client, error) {
		if url == "" {
			return nil, nil
		}
		return collab.NewClient(collab.HTTPConfig{
			Name:    name,
			BaseURL: url,
			Token:   sc.Token,
			Timeout: sc.Timeout,
		})
	}

	extractorClient, err := newClient("extractor", sc.ExtractorURL)
	if err != nil {
		return err
	}
	deps.Extractor, err = collab.NewExtractor(sc.Extractor, collab.ExtractorOptions{
		Input:  input,
		Client: extractorClient,
	})
	if err != nil {
		return err
	}

	translatorClient, err := newClient("translator", sc.TranslatorURL)
	if err != nil {
		return err
	}
	if translatorClient != nil {
		deps.Translator = collab.HTTPTranslator{Client: translatorClient}
	}

	reg := collab.NewRegistry()
	reg.RegisterStatic(catalog.EvaluatorFields, collab.FieldsEvaluator{})
	evaluatorClient, err := newClient("evaluator", sc.EvaluatorURL)
	if err != nil {
		return err
	}
	if evaluatorClient != nil {
		reg.Register(catalog.EvaluatorLLM, collab.HTTPEvaluatorFactory(evaluatorClient))
	} else {
		slog.Warn("no evaluator service configured, llm agents will be degraded")
	}
	deps.Evaluators = reg
	return nil
}

// consume runs bus consumers until ctx ends. Cancellation is not an error.
func (a *app) consume(ctx context.Context) error {
	err := a.bus.Consume(ctx, a.ctrl)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
