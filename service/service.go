package service

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/zlnvch/cosketch/blob"
	"github.com/zlnvch/cosketch/cache"
	"github.com/zlnvch/cosketch/mq"
	"github.com/zlnvch/cosketch/provider"
	"github.com/zlnvch/cosketch/store"
)

type GenerationConfig struct {
	PollInterval    time.Duration
	MaxPollAttempts int
	// Token cost per provider kind. Kinds without an entry cost DefaultCost.
	Costs map[string]int64
}

const DefaultCost = 1

func (g GenerationConfig) costFor(kind string) int64 {
	if cost, ok := g.Costs[kind]; ok {
		return cost
	}
	return DefaultCost
}

func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		PollInterval:    time.Second,
		MaxPollAttempts: 180,
	}
}

type Service struct {
	Store      store.CanvasStore
	Cache      cache.CanvasCache
	RepairMQ   mq.MessageQueue
	Blob       blob.BlobStore
	Providers  map[string]provider.GenerationProvider
	Generation GenerationConfig
	JWTSecret  []byte
	// HTTPClient fetches generated artifacts from provider URLs
	HTTPClient *http.Client
	Now        func() time.Time
}

// NewService wires the service. repairMQ and blobStore may be nil: layer
// repair then only happens on demand, and generation reports StorageError.
func NewService(
	store store.CanvasStore,
	cache cache.CanvasCache,
	repairMQ mq.MessageQueue,
	blobStore blob.BlobStore,
	providers map[string]provider.GenerationProvider,
	generation GenerationConfig,
	jwtSecret []byte,
) (*Service, error) {
	if generation.PollInterval <= 0 {
		return nil, errors.New("generation poll interval must be positive")
	}
	if generation.MaxPollAttempts <= 0 {
		return nil, errors.New("generation max poll attempts must be positive")
	}
	for kind, cost := range generation.Costs {
		if cost < 0 {
			return nil, fmt.Errorf("generation cost for %s must not be negative", kind)
		}
	}
	if providers == nil {
		providers = map[string]provider.GenerationProvider{}
	}

	return &Service{
		Store:      store,
		Cache:      cache,
		RepairMQ:   repairMQ,
		Blob:       blobStore,
		Providers:  providers,
		Generation: generation,
		JWTSecret:  jwtSecret,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Now:        time.Now,
	}, nil
}
