package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Midnight-Scripts/Midnight-blocklog/business/domain/identity"
	"github.com/Midnight-Scripts/Midnight-blocklog/business/domain/watch"
	"github.com/Midnight-Scripts/Midnight-blocklog/entities"
	"github.com/Midnight-Scripts/Midnight-blocklog/external/kafka"
	"github.com/Midnight-Scripts/Midnight-blocklog/external/keystore"
	"github.com/Midnight-Scripts/Midnight-blocklog/external/node"
	"github.com/Midnight-Scripts/Midnight-blocklog/external/registry"
	"github.com/Midnight-Scripts/Midnight-blocklog/infrastructure/metrics"
	"github.com/Midnight-Scripts/Midnight-blocklog/infrastructure/store/pebbledb"
	"github.com/ardanlabs/conf"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const prefix = "BLOCKLOG"

type appConfig struct {
	Mode string `conf:"default:watch,help:watch | schedule | log"`
	Node struct {
		WsUrl        string `conf:"default:ws://127.0.0.1:9944"`
		KeystorePath string `conf:"default:keystore"`
	}
	Chain struct {
		EpochSize uint64 `conf:"default:1200"`
		Epoch     uint64 `conf:"help:epoch override for schedule mode; 0 means current"`
		Next      bool   `conf:"default:false,help:show the next epoch instead of the current one (schedule mode)"`
	}
	Store struct {
		Folder string `conf:"default:store"`
	}
	Watch struct {
		ReconnectWait    time.Duration `conf:"default:2s"`
		ReconnectWaitMax time.Duration `conf:"default:1m"`
		MaxReconnects    int           `conf:"default:10"`
		MetricsNamespace string        `conf:"default:blocklog"`
	}
	Registry struct {
		Url     string        `conf:"help:registry base url; empty disables the lookup"`
		Timeout time.Duration `conf:"default:5s"`
	}
	Kafka struct {
		Enabled          bool     `conf:"default:false"`
		BootstrapServers []string `conf:"default:localhost:9092"`
		StatusTopic      string   `conf:"default:blocklog-status"`
	}
	Server struct {
		HttpHost        string `conf:"default:0.0.0.0:8000"`
		MetricsHttpHost string `conf:"default:0.0.0.0:9999"`
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	config := zap.NewProductionConfig()
	// this is just for sugar, to display a readable date instead of an epoch time
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)

	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("creating logger: %v", err)
	}
	defer logger.Sync()
	sLogger := logger.Sugar()

	var cfg appConfig
	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch err {
		case conf.ErrHelpWanted:
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config usage: %v", err)
			}
			fmt.Println(usage)
			return nil
		case conf.ErrVersionWanted:
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config version: %v", err)
			}
			fmt.Println(version)
			return nil
		}
		return fmt.Errorf("parsing config: %v", err)
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %v", err)
	}
	log.Printf("main: Config :\n%v\n", out)

	switch cfg.Mode {
	case "watch":
		return runWatch(cfg, sLogger)
	case "schedule":
		return runSchedule(cfg, sLogger)
	case "log":
		return runLog(cfg)
	}
	return fmt.Errorf("unknown mode [%s]", cfg.Mode)
}

// resolveIdentity scans the keystore for Aura key candidates and confirms
// against the node which one it actually holds.
func resolveIdentity(ctx context.Context, cfg appConfig, nodeClient *node.Client, logger *zap.SugaredLogger) (entities.PublicKey, error) {
	resolver := identity.NewResolver(keystore.NewScanner(), nodeClient, logger)
	key, err := resolver.Resolve(ctx, cfg.Node.KeystorePath)
	if err != nil {
		return entities.PublicKey{}, fmt.Errorf("resolving identity: %v", err)
	}
	return key, nil
}

func runWatch(cfg appConfig, sLogger *zap.SugaredLogger) error {
	ctx := context.Background()

	store, err := pebbledb.NewStore(cfg.Store.Folder)
	if err != nil {
		return fmt.Errorf("creating store: %v", err)
	}
	defer store.Close()

	nodeClient, err := node.NewClient(cfg.Node.WsUrl, sLogger)
	if err != nil {
		return fmt.Errorf("creating node client: %v", err)
	}

	key, err := resolveIdentity(ctx, cfg, nodeClient, sLogger)
	if err != nil {
		return err
	}

	if cfg.Registry.Url != "" {
		registryClient := registry.NewClient(cfg.Registry.Url, cfg.Registry.Timeout, sLogger)
		registration := registryClient.GetRegistration(ctx, key)
		sLogger.Infow("registry lookup",
			"known", registration.Known, "registered", registration.Registered, "stake", registration.Stake)
	}

	var publisher watch.StatusPublisher
	if cfg.Kafka.Enabled {
		kcl, err := kgo.NewClient(
			kgo.DefaultProduceTopic(cfg.Kafka.StatusTopic),
			kgo.SeedBrokers(cfg.Kafka.BootstrapServers...),
			kgo.ProducerBatchCompression(kgo.ZstdCompression()),
		)
		if err != nil {
			return errors.Wrap(err, "creating kafka client")
		}
		defer kcl.Close()
		publisher = kafka.NewClient(kcl)
	}

	coordinator := watch.NewCoordinator(nodeClient, store, key, cfg.Chain.EpochSize, sLogger)
	watcher := watch.NewWatcher(nodeClient, store, coordinator, publisher,
		metrics.NewMetrics(cfg.Watch.MetricsNamespace),
		watch.Config{
			ReconnectWait:    cfg.Watch.ReconnectWait,
			ReconnectWaitMax: cfg.Watch.ReconnectWaitMax,
			MaxReconnects:    cfg.Watch.MaxReconnects,
		}, sLogger)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchErrors := make(chan error, 1)
	go func() {
		watchErrors <- watcher.Run(watchCtx)
	}()

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	http.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, store)
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- http.ListenAndServe(cfg.Server.HttpHost, nil)
	}()

	metricsErr := make(chan error, 1)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsErr <- http.ListenAndServe(cfg.Server.MetricsHttpHost, mux)
	}()

	for {
		select {
		case <-shutdown:
			cancel()
			<-watchErrors
			return errors.New("shutting down")
		case err := <-watchErrors:
			return fmt.Errorf("watch error: %v", err)
		case err := <-serverErr:
			return fmt.Errorf("server error: %v", err)
		case err := <-metricsErr:
			return fmt.Errorf("metrics server error: %v", err)
		}
	}
}

// runSchedule prints the identity's slot assignments for the current or next
// epoch, computed from live chain data only. Nothing is persisted.
func runSchedule(cfg appConfig, sLogger *zap.SugaredLogger) error {
	ctx := context.Background()

	nodeClient, err := node.NewClient(cfg.Node.WsUrl, sLogger)
	if err != nil {
		return fmt.Errorf("creating node client: %v", err)
	}

	key, err := resolveIdentity(ctx, cfg, nodeClient, sLogger)
	if err != nil {
		return err
	}

	coordinator := watch.NewCoordinator(nodeClient, nil, key, cfg.Chain.EpochSize, sLogger)
	var snapshot watch.ScheduleSnapshot
	if cfg.Chain.Epoch > 0 {
		snapshot, err = coordinator.SnapshotEpoch(ctx, cfg.Chain.Epoch)
	} else {
		snapshot, err = coordinator.Snapshot(ctx, cfg.Chain.Next)
	}
	if err != nil {
		return fmt.Errorf("computing schedule: %v", err)
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling schedule: %v", err)
	}
	fmt.Println(string(data))
	return nil
}

// runLog dumps the persisted rows of the latest epoch. It only reads the
// store and needs no node connection.
func runLog(cfg appConfig) error {
	store, err := pebbledb.NewStore(cfg.Store.Folder)
	if err != nil {
		return fmt.Errorf("creating store: %v", err)
	}
	defer store.Close()

	response, err := statusResponse(store)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(response, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling block log: %v", err)
	}
	fmt.Println(string(data))
	return nil
}

type statusPayload struct {
	Epoch  entities.EpochInfo     `json:"epoch"`
	Blocks []entities.BlockRecord `json:"blocks"`
}

func statusResponse(store *pebbledb.Store) (statusPayload, error) {
	latest, err := store.GetLatestEpoch()
	if err != nil {
		return statusPayload{}, fmt.Errorf("getting latest epoch: %v", err)
	}
	info, err := store.GetEpochInfo(latest)
	if err != nil {
		return statusPayload{}, fmt.Errorf("getting epoch info: %v", err)
	}
	blocks, err := store.GetEpochBlocks(latest)
	if err != nil {
		return statusPayload{}, fmt.Errorf("getting epoch blocks: %v", err)
	}
	if blocks == nil {
		blocks = []entities.BlockRecord{}
	}
	return statusPayload{Epoch: info, Blocks: blocks}, nil
}

func writeStatus(w http.ResponseWriter, store *pebbledb.Store) {
	response, err := statusResponse(store)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data, err := json.Marshal(response)
	if err != nil {
		http.Error(w, fmt.Sprintf("marshalling response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		http.Error(w, fmt.Sprintf("writing response: %v", err), http.StatusInternalServerError)
	}
}
