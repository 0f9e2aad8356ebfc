package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zlnvch/cosketch/backoff"
	"github.com/zlnvch/cosketch/cache"
	"github.com/zlnvch/cosketch/models"
	"github.com/zlnvch/cosketch/mq"
)

const (
	layerLockTTL      = 15 * time.Second
	layerLockAttempts = 20
	// sessions normalized concurrently by NormalizeAllSessions
	normalizeFanout = 8
)

// compareLayers orders layers by (order, created, kind, id). Kind values
// give the precedence paint < uploaded < ai.
func compareLayers(a, b models.Layer) int {
	return cmp.Or(
		cmp.Compare(a.LayerOrder, b.LayerOrder),
		cmp.Compare(a.Created, b.Created),
		cmp.Compare(a.Kind, b.Kind),
		strings.Compare(a.Id, b.Id),
	)
}

// collectLayers assembles the unified view: the paint layer from the session
// record plus every image layer.
func (s *Service) collectLayers(ctx context.Context, sessionId string) ([]models.Layer, error) {
	session, err := s.Store.GetSession(ctx, sessionId)
	if err != nil {
		return nil, fromStore(err, "session "+sessionId)
	}
	images, err := s.Store.GetImageLayers(ctx, sessionId)
	if err != nil {
		return nil, fmt.Errorf("get image layers failed: %w", err)
	}

	layers := make([]models.Layer, 0, len(images)+1)
	layers = append(layers, models.Layer{
		Kind:       models.LayerPaint,
		Id:         session.Id,
		LayerOrder: session.PaintLayerOrder,
		Created:    session.Created,
	})
	for _, img := range images {
		layers = append(layers, models.Layer{
			Kind:       img.Kind,
			Id:         img.Id,
			LayerOrder: img.LayerOrder,
			Created:    img.Created,
		})
	}

	slices.SortFunc(layers, compareLayers)
	return layers, nil
}

func nextLayerOrder(layers []models.Layer) int {
	next := 0
	for _, l := range layers {
		next = max(next, l.LayerOrder+1)
	}
	return next
}

// GetLayers returns the session's layers bottom to top.
func (s *Service) GetLayers(ctx context.Context, sessionId string) ([]models.Layer, error) {
	return s.collectLayers(ctx, sessionId)
}

func (s *Service) GetImageLayers(ctx context.Context, sessionId string) ([]models.ImageLayer, error) {
	if _, err := s.GetSession(ctx, sessionId); err != nil {
		return nil, err
	}
	return s.Store.GetImageLayers(ctx, sessionId)
}

type AddUploadedLayerParams struct {
	SessionId string
	ImageURL  string
	X         float64
	Y         float64
	Width     float64
	Height    float64
}

// AddUploadedLayer places an uploaded image on top of the stack. The order is
// best effort; concurrent inserts may collide until the next normalization.
func (s *Service) AddUploadedLayer(ctx context.Context, params AddUploadedLayerParams) (models.ImageLayer, error) {
	if params.ImageURL == "" {
		return models.ImageLayer{}, invalidInput("image url required")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return models.ImageLayer{}, invalidInput("invalid layer size")
	}

	layers, err := s.collectLayers(ctx, params.SessionId)
	if err != nil {
		return models.ImageLayer{}, err
	}

	layer, err := s.Store.CreateImageLayer(ctx, models.ImageLayer{
		SessionId:  params.SessionId,
		Kind:       models.LayerUploaded,
		ImageURL:   params.ImageURL,
		X:          params.X,
		Y:          params.Y,
		Width:      params.Width,
		Height:     params.Height,
		Visible:    true,
		LayerOrder: nextLayerOrder(layers),
		Created:    s.Now().UnixMilli(),
	})
	if err != nil {
		return models.ImageLayer{}, fmt.Errorf("create layer failed: %w", err)
	}

	go func() {
		s.publish(context.Background(), params.SessionId, EventLayersChanged, nil)
		s.requestLayerRepair(params.SessionId)
	}()
	return layer, nil
}

// ReorderLayer moves ref to targetIndex in the bottom-to-top stack and
// rewrites the session's orders densely.
func (s *Service) ReorderLayer(ctx context.Context, sessionId string, ref models.LayerRef, targetIndex int) ([]models.Layer, error) {
	var result []models.Layer
	err := s.withLayerLock(ctx, sessionId, func() error {
		layers, err := s.collectLayers(ctx, sessionId)
		if err != nil {
			return err
		}

		from := slices.IndexFunc(layers, func(l models.Layer) bool { return l.Ref() == ref })
		if from < 0 {
			return fmt.Errorf("%w: layer %s", ErrNotFound, ref.Id)
		}
		if targetIndex < 0 || targetIndex >= len(layers) {
			return invalidInput("target index out of range")
		}

		moved := layers[from]
		layers = slices.Delete(layers, from, from+1)
		layers = slices.Insert(layers, targetIndex, moved)

		if _, err := s.writeDenseOrders(ctx, sessionId, layers); err != nil {
			return err
		}
		result = layers
		return nil
	})
	if err != nil {
		return nil, err
	}

	go s.publish(context.Background(), sessionId, EventLayersChanged, nil)
	return result, nil
}

// NormalizeSession rewrites layer orders to 0..K-1 keeping their relative
// order. Only changed entries are written; a second run writes nothing.
func (s *Service) NormalizeSession(ctx context.Context, sessionId string) (int, error) {
	var writes int
	err := s.withLayerLock(ctx, sessionId, func() error {
		layers, err := s.collectLayers(ctx, sessionId)
		if err != nil {
			return err
		}
		writes, err = s.writeDenseOrders(ctx, sessionId, layers)
		return err
	})
	if err != nil {
		return 0, err
	}

	if writes > 0 {
		log.Printf("Normalized %d layer orders in session %s", writes, sessionId)
		go s.publish(context.Background(), sessionId, EventLayersChanged, nil)
	}
	return writes, nil
}

// writeDenseOrders assigns order = index to each layer, persisting only the
// entries that change, and updates layers in place.
func (s *Service) writeDenseOrders(ctx context.Context, sessionId string, layers []models.Layer) (int, error) {
	var updates []models.LayerOrderUpdate
	for i := range layers {
		if layers[i].LayerOrder != i {
			updates = append(updates, models.LayerOrderUpdate{Ref: layers[i].Ref(), Order: i})
			layers[i].LayerOrder = i
		}
	}
	if len(updates) == 0 {
		return 0, nil
	}

	if err := s.Store.UpdateLayerOrders(ctx, sessionId, updates); err != nil {
		return 0, fromStore(err, "layer in session "+sessionId)
	}
	return len(updates), nil
}

type NormalizeReport struct {
	Sessions int               `json:"sessions"`
	Writes   int               `json:"writes"`
	Failed   map[string]string `json:"failed,omitempty"`
}

// NormalizeAllSessions normalizes every session with bounded concurrency. A
// failing session is recorded in the report and does not stop the others.
func (s *Service) NormalizeAllSessions(ctx context.Context) (NormalizeReport, error) {
	sessionIds, err := s.Store.ListSessionIds(ctx)
	if err != nil {
		return NormalizeReport{}, fmt.Errorf("list sessions failed: %w", err)
	}

	report := NormalizeReport{Sessions: len(sessionIds), Failed: map[string]string{}}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(normalizeFanout)
	for _, sessionId := range sessionIds {
		g.Go(func() error {
			writes, err := s.NormalizeSession(ctx, sessionId)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[sessionId] = err.Error()
				return nil
			}
			report.Writes += writes
			return nil
		})
	}
	_ = g.Wait()

	if len(report.Failed) > 0 {
		log.Printf("Normalization failed for %d of %d sessions", len(report.Failed), len(sessionIds))
	}
	return report, ctx.Err()
}

// withLayerLock runs fn while holding the session's layer lock. Attempts back
// off with jitter and give up with ErrLayerBusy.
func (s *Service) withLayerLock(ctx context.Context, sessionId string, fn func() error) error {
	name := "layers:" + sessionId

	var token string
	for attempt := 0; ; attempt++ {
		var err error
		token, err = s.Cache.AcquireLock(ctx, name, layerLockTTL)
		if err == nil {
			break
		}
		if !errors.Is(err, cache.ErrLockHeld) {
			return fmt.Errorf("acquire layer lock failed: %w", err)
		}
		if attempt+1 >= layerLockAttempts {
			return fmt.Errorf("%w: session %s", ErrLayerBusy, sessionId)
		}
		if err := backoff.Sleep(ctx, backoff.Jittered(attempt, 20*time.Millisecond, 500*time.Millisecond)); err != nil {
			return err
		}
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.Cache.ReleaseLock(releaseCtx, name, token); err != nil {
			log.Printf("Failed to release layer lock for session %s: %v", sessionId, err)
		}
	}()

	return fn()
}

func (s *Service) requestLayerRepair(sessionId string) {
	if s.RepairMQ == nil {
		return
	}
	if err := mq.SendJSON(context.Background(), s.RepairMQ, models.LayerRepairRequest{SessionId: sessionId}); err != nil {
		log.Printf("Failed to enqueue layer repair for session %s: %v", sessionId, err)
	}
}
