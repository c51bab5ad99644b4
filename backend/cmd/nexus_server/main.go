package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"nexusServer/backend/internal/cache"
	"nexusServer/backend/internal/coordinator"
	"nexusServer/backend/internal/httpapi"
	"nexusServer/backend/internal/httpapi/handlers"
	"nexusServer/backend/internal/httpapi/middleware"
	"nexusServer/backend/internal/oplog"
	"nexusServer/backend/internal/store"
	"nexusServer/backend/internal/ws"
)

type NexusConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"Auth"`
	Coordinator struct {
		GraceSeconds     int    `mapstructure:"graceSeconds"`
		HibernateSeconds int    `mapstructure:"hibernateSeconds"`
		CompactEvery     uint64 `mapstructure:"compactEvery"`
	} `mapstructure:"Coordinator"`
}

func initConfig() (*NexusConfig, error) {
	cfg := &NexusConfig{}
	v := viper.New()
	v.SetConfigName("nexusConfig")
	v.SetConfigType("yaml")
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := oplog.EnsureSchema(context.Background(), db); err != nil {
		log.Fatalf("Failed to prepare operation log schema: %v", err)
	}

	gdb, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to open gorm connection: %v", err)
	}
	if err := gdb.AutoMigrate(&store.Project{}, &store.ProjectSnapshot{}); err != nil {
		log.Fatalf("Failed to migrate schema: %v", err)
	}

	kafkaCfg := sarama.NewConfig()
	// SyncProducer requires Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	kafkaSem := coordinator.NewSemaphore(64)
	wsSem := coordinator.NewSemaphore(256)
	dispatcher := coordinator.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		coordinator.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)

	var auth coordinator.Authorizer
	if cfg.Auth.Path != "" {
		auth = httpapi.NewCapabilityClient(cfg.Auth.Path)
	}

	snapshotStore := store.NewSnapshotStore(gdb)
	projectStore := store.NewProjectStore(gdb)
	arena := coordinator.NewArena(
		coordinator.MySQLLogFactory(db),
		snapshotStore,
		auth,
		dispatcher,
		coordinator.Options{
			Grace:        time.Duration(cfg.Coordinator.GraceSeconds) * time.Second,
			Hibernate:    time.Duration(cfg.Coordinator.HibernateSeconds) * time.Second,
			CompactEvery: cfg.Coordinator.CompactEvery,
		},
	)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := arena.Shutdown(shutdownCtx); err != nil {
			log.Printf("arena shutdown: %v", err)
		}
	}()

	presenceCache := cache.NewRedisPresence(rdb)
	hub := ws.NewHub(presenceCache)
	manager := ws.NewManager(hub, arena, wsSem)
	projectHandlers := handlers.NewProjectHandlers(projectStore, arena)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	sync := r.Group("/sync")
	sync.Use(middleware.AuthMiddleware(cfg.Auth.Path))
	sync.GET("/ws", manager.WebSocketConnect)
	sync.POST("/projects", projectHandlers.CreateProject)
	sync.GET("/projects", projectHandlers.ListProjects)
	sync.GET("/projects/:projectID/state", projectHandlers.GetProjectState)
	sync.DELETE("/projects/:projectID", projectHandlers.DeleteProject)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
