package main

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/zlnvch/cosketch/api"
	"github.com/zlnvch/cosketch/blob/s3blob"
	"github.com/zlnvch/cosketch/cache/redis"
	"github.com/zlnvch/cosketch/config"
	"github.com/zlnvch/cosketch/mq/sqsmq"
	"github.com/zlnvch/cosketch/provider"
	"github.com/zlnvch/cosketch/provider/httpprovider"
	"github.com/zlnvch/cosketch/service"
	"github.com/zlnvch/cosketch/store"
	"github.com/zlnvch/cosketch/store/dynamo"
	"github.com/zlnvch/cosketch/store/memstore"
	"github.com/zlnvch/cosketch/worker"
)

func main() {
	ctx := context.Background()
	cfg := config.Load()

	var canvasStore store.CanvasStore
	switch cfg.StoreBackend {
	case "memory":
		log.Printf("Using in-memory store, data will not survive a restart")
		canvasStore = memstore.NewMemCanvasStore()
	default:
		dynamoStore, err := dynamo.NewDynamoCanvasStore(ctx, cfg.DevMode, cfg.DynamoDBEndpoint, cfg.DynamoDBTable)
		if err != nil {
			log.Fatalf("Failed to create dynamodb store: %v", err)
		}
		canvasStore = dynamoStore
	}

	layerRepairQueue, err := sqsmq.NewSQSMessageQueue(ctx, cfg.DevMode, cfg.SQSEndpoint, cfg.SQSLayerRepairQueue)
	if err != nil {
		log.Fatalf("Failed to create SQS MQ: %v", err)
	}

	canvasCache, err := redis.NewRedisCanvasCache(ctx, cfg.DevMode, cfg.RedisEndpoint)
	if err != nil {
		log.Fatalf("Failed to create redis cache: %v", err)
	}

	blobStore, err := s3blob.NewS3BlobStore(ctx, cfg.DevMode, cfg.S3Endpoint, cfg.S3Bucket, cfg.S3PublicBaseURL)
	if err != nil {
		log.Fatalf("Failed to create s3 blob store: %v", err)
	}

	providers := make(map[string]provider.GenerationProvider)
	costs := make(map[string]int64)
	for _, p := range cfg.Providers {
		providers[p.Kind] = httpprovider.NewHTTPProvider(ctx, p.BaseURL, httpprovider.Credentials{
			APIKey:       p.APIKey,
			ClientId:     p.ClientId,
			ClientSecret: p.ClientSecret,
			TokenURL:     p.TokenURL,
		})
		costs[p.Kind] = p.Cost
		log.Printf("Registered generation provider %s (cost %d)", p.Kind, p.Cost)
	}

	jwtSecret, err := base64.StdEncoding.DecodeString(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("Failed to decode base64 jwtSecret: %v", err)
	}
	if len(jwtSecret) == 0 {
		log.Fatalf("JWT_SECRET must be set")
	}

	svc, err := service.NewService(canvasStore, canvasCache, layerRepairQueue, blobStore, providers, service.GenerationConfig{
		PollInterval:    cfg.GenerationPollInterval,
		MaxPollAttempts: cfg.GenerationMaxPollAttempts,
		Costs:           costs,
	}, jwtSecret)
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}

	shutdownCtx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	go worker.NewLiveStrokeJanitor(svc, cfg.JanitorInterval).Run(shutdownCtx)
	go worker.NewLayerRepairConsumer(layerRepairQueue, svc).Run(shutdownCtx)

	cosketchApi := api.NewCosketchAPI(svc, cfg.DevMode, shutdownCtx)

	mux := http.NewServeMux()
	cosketchApi.RegisterRoutes(mux, cfg.AllowedOrigin)

	server := &http.Server{Addr: ":" + cfg.HostPort, Handler: mux}
	go func() {
		<-shutdownCtx.Done()
		log.Printf("Server shutting down...")
		server.Shutdown(context.Background())
	}()

	log.Printf("Starting server on host port: %s\n", cfg.HostPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
