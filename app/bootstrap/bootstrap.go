package bootstrap

import (
	"context"
	"log"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/weAIDB/CrackSQL/app/controllers"
	"github.com/weAIDB/CrackSQL/internal/config"
	"github.com/weAIDB/CrackSQL/internal/consul"
	"github.com/weAIDB/CrackSQL/internal/database"
	"github.com/weAIDB/CrackSQL/internal/kafka"
	"github.com/weAIDB/CrackSQL/internal/knowledge"
	"github.com/weAIDB/CrackSQL/internal/logger"
	"github.com/weAIDB/CrackSQL/internal/services"
	"github.com/weAIDB/CrackSQL/internal/storage"
)

// App encapsulates lifecycle resources that need to be cleaned up on shutdown.
type App struct {
	cleanupTasks    []func() error
	consulClient    *consul.Client
	serviceRegistry *consul.ServiceRegistry
	tracker         *services.JobTracker
}

var globalApp *App

// GetApp returns the global app instance
func GetApp() *App {
	return globalApp
}

// SetGlobalApp sets the global app instance
func SetGlobalApp(app *App) {
	globalApp = app
}

// Init bootstraps configuration, logger, database connections and other shared
// infrastructure components required by the Beego application.
func Init() (*App, error) {
	// Load environment variables from .env if present (non-fatal if missing).
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	if err := logger.InitLogger(); err != nil {
		return nil, err
	}

	if err := config.LoadConfig(); err != nil {
		return nil, err
	}
	cfg := config.AppConfig

	app := &App{}

	if _, err := database.InitDB(); err != nil {
		return nil, err
	}
	app.cleanupTasks = append(app.cleanupTasks, func() error {
		return database.CloseDB()
	})

	// Redis可选，失败不阻塞启动，状态缓存会退化为直查数据库
	if _, err := database.InitRedis(); err != nil {
		logger.Warn("Failed to initialize Redis", zap.Error(err))
	} else {
		app.cleanupTasks = append(app.cleanupTasks, func() error {
			return database.CloseRedis()
		})
	}

	store, err := storage.InitMinIO()
	if err != nil {
		logger.Warn("Failed to initialize MinIO", zap.Error(err))
	}

	vectorStore := buildVectorStore(cfg)
	embedder := buildEmbedder(cfg)
	indexer := buildIndexer(cfg)
	splitGateway := buildSplitGateway(cfg)

	cache := services.NewStatusCache(database.RedisClient, database.DB, cfg.Redis.TTL)

	tracker := services.NewJobTracker(
		database.DB, embedder, vectorStore, indexer, cache,
		cfg.Knowledge.Worker.PoolSize,
		cfg.Knowledge.Worker.PollInterval,
		cfg.Knowledge.Worker.ClaimBatch,
	)
	app.tracker = tracker

	dispatcher := buildDispatcher(app, cfg, tracker)

	kbService := services.NewKnowledgeBaseService(database.DB, vectorStore, indexer, cache)
	itemService := services.NewItemService(database.DB, vectorStore, indexer, cache, dispatcher)
	normalSplitter := knowledge.NewNormalSplitter(
		cfg.Knowledge.Splitter.MaxChunkSize,
		cfg.Knowledge.Splitter.Delimiters,
	)
	ingestService := services.NewIngestService(
		database.DB, cache, dispatcher, store, normalSplitter, splitGateway,
		cfg.Knowledge.Upload.MaxFiles,
		cfg.Knowledge.Upload.MaxFileSize,
	)
	searchService := services.NewSearchService(database.DB, embedder, vectorStore, indexer, cfg.Knowledge.SearchTopK)

	controllers.SetRegistry(&controllers.Registry{
		KnowledgeBases: kbService,
		Items:          itemService,
		Ingest:         ingestService,
		Search:         searchService,
		StatusCache:    cache,
		Metrics:        services.NewMetricsService(),
	})

	// 收尾崩溃前未完成的级联删除，再启动工作池
	kbService.ResumeDeletes(context.Background())
	tracker.Start()
	app.cleanupTasks = append(app.cleanupTasks, func() error {
		tracker.Stop()
		return nil
	})

	if cfg.Consul.Enabled {
		registerWithConsul(app, cfg)
	}

	return app, nil
}

// buildVectorStore 按配置选择向量索引实现，Milvus不可用时回退到内存索引
func buildVectorStore(cfg *config.Config) knowledge.VectorStore {
	if cfg.Knowledge.VectorStore.Provider == "milvus" && cfg.Knowledge.VectorStore.Milvus.Address != "" {
		mv := cfg.Knowledge.VectorStore.Milvus
		store, err := knowledge.NewMilvusVectorStore(knowledge.MilvusOptions{
			Address:          mv.Address,
			Username:         mv.Username,
			Password:         mv.Password,
			Database:         mv.Database,
			CollectionPrefix: mv.CollectionPrefix,
			VectorSize:       cfg.Knowledge.Embedding.Dimension,
			UseTLS:           mv.TLS,
		})
		if err != nil {
			logger.Warn("Milvus初始化失败，回退到内存向量索引", zap.Error(err))
		} else {
			logger.Info("Milvus向量索引已启用", zap.String("address", mv.Address))
			return store
		}
	}
	logger.Info("使用内存向量索引")
	return knowledge.NewMemoryVectorStore()
}

// buildEmbedder 构建嵌入网关
func buildEmbedder(cfg *config.Config) knowledge.Embedder {
	emb := cfg.Knowledge.Embedding
	if emb.APIKey == "" {
		logger.Warn("嵌入网关未配置，条目向量化与检索不可用")
		return &knowledge.NoopEmbedder{}
	}
	return knowledge.NewOpenAIEmbedder(emb.BaseURL, emb.APIKey, emb.Model, emb.Dimension)
}

// buildIndexer 构建关键词索引，Elasticsearch未配置时用数据库模糊匹配
func buildIndexer(cfg *config.Config) knowledge.KeywordIndexer {
	search := cfg.Knowledge.Search
	if search.Provider == "elasticsearch" && len(search.Elasticsearch.Addresses) > 0 {
		es := search.Elasticsearch
		indexer, err := knowledge.NewElasticsearchIndexer(es.Addresses, es.Username, es.Password, es.APIKey, es.IndexPrefix)
		if err != nil {
			logger.Warn("Elasticsearch初始化失败，回退到数据库索引", zap.Error(err))
		} else {
			logger.Info("Elasticsearch关键词索引已启用")
			return indexer
		}
	}
	return knowledge.NewDatabaseIndexer(database.DB)
}

// buildSplitGateway 构建LLM切分网关
func buildSplitGateway(cfg *config.Config) knowledge.SplitGateway {
	llm := cfg.Knowledge.LLM
	if llm.APIKey == "" {
		return &knowledge.NoopSplitGateway{}
	}
	return knowledge.NewOpenAISplitGateway(llm.BaseURL, llm.APIKey, llm.Model, llm.MaxTokens, llm.Temperature)
}

// buildDispatcher Kafka可用时经消息队列投递，否则进程内直投工作池
func buildDispatcher(app *App, cfg *config.Config, tracker *services.JobTracker) services.ItemDispatcher {
	if !cfg.Kafka.Enabled {
		return services.NewLocalDispatcher(tracker)
	}

	if err := kafka.InitProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic); err != nil {
		logger.Warn("Kafka生产者初始化失败，使用进程内投递", zap.Error(err))
		return services.NewLocalDispatcher(tracker)
	}
	app.cleanupTasks = append(app.cleanupTasks, func() error {
		if producer := kafka.GetProducer(); producer != nil {
			return producer.Close()
		}
		return nil
	})

	topics := []string{cfg.Kafka.Topic}
	if err := kafka.InitConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, topics); err != nil {
		logger.Warn("Kafka消费者初始化失败，使用进程内投递", zap.Error(err))
		return services.NewLocalDispatcher(tracker)
	}

	consumer := kafka.GetConsumer()
	consumer.RegisterHandler(cfg.Kafka.Topic, func(ctx context.Context, message *sarama.ConsumerMessage) error {
		msg, err := kafka.ParseItemProcessMessage(message.Value)
		if err != nil {
			logger.Error("丢弃无法解析的消息", zap.Error(err))
			return nil
		}
		return tracker.ProcessItem(ctx, msg.ItemID)
	})
	app.cleanupTasks = append(app.cleanupTasks, func() error {
		return consumer.Close()
	})

	return services.NewKafkaDispatcher(kafka.GetProducer())
}

// registerWithConsul 注册服务到Consul，失败只告警
func registerWithConsul(app *App, cfg *config.Config) {
	consulClient, err := consul.NewClient(cfg.Consul.Address, cfg.Consul.Enabled, logger.Logger)
	if err != nil {
		logger.Warn("Failed to initialize Consul client", zap.Error(err))
		return
	}
	app.consulClient = consulClient

	if !consulClient.IsEnabled() {
		return
	}

	serviceRegistry := consul.NewServiceRegistry(
		consulClient,
		cfg.Consul.ServiceID,
		cfg.Consul.ServiceName,
		logger.Logger,
	)
	if err := serviceRegistry.Register(cfg); err != nil {
		logger.Warn("Failed to register service with Consul", zap.Error(err))
		return
	}
	app.serviceRegistry = serviceRegistry
	app.cleanupTasks = append(app.cleanupTasks, func() error {
		return serviceRegistry.Deregister()
	})
}

// Shutdown flushes/logs and closes resources gracefully.
func (a *App) Shutdown() {
	// Execute cleanup tasks in reverse order (best effort).
	for i := len(a.cleanupTasks) - 1; i >= 0; i-- {
		if err := a.cleanupTasks[i](); err != nil {
			log.Printf("Cleanup error: %v\n", err)
		}
	}

	logger.Sync()
}
