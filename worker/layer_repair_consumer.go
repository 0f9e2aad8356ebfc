package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zlnvch/cosketch/models"
	"github.com/zlnvch/cosketch/mq"
	"github.com/zlnvch/cosketch/service"
)

type LayerNormalizer interface {
	NormalizeSession(ctx context.Context, sessionId string) (int, error)
	NormalizeAllSessions(ctx context.Context) (service.NormalizeReport, error)
}

// LayerRepairConsumer drains the layer repair queue. A message is deleted once
// its sessions are dense; failed messages come back after the visibility
// timeout until maxReceiveCount is reached.
type LayerRepairConsumer struct {
	repairQueue mq.MessageQueue
	normalizer  LayerNormalizer
}

func NewLayerRepairConsumer(repairQueue mq.MessageQueue, normalizer LayerNormalizer) *LayerRepairConsumer {
	return &LayerRepairConsumer{
		repairQueue: repairQueue,
		normalizer:  normalizer,
	}
}

// A full sweep across every session may take a while
const visibilityTimeout = 120

const maxReceiveCount = 5

func (c *LayerRepairConsumer) Run(shutdownCtx context.Context) {
	for {
		msg, err := c.repairQueue.Receive(shutdownCtx, visibilityTimeout)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Printf("layerRepairConsumer receive error: %v", err)
			if sleepOrDone(shutdownCtx, time.Second) {
				return
			}
			continue
		}

		if msg == nil {
			continue
		}

		c.handle(msg)
	}
}

func (c *LayerRepairConsumer) handle(msg *mq.Message) {
	var req models.LayerRepairRequest
	if err := msg.DecodeJSON(&req); err != nil || (!req.All && req.SessionId == "") {
		log.Printf("Dropping malformed layer repair message %s", msg.Id)
		c.delete(msg)
		return
	}

	// timeout should be a little less than queue visibility timeout
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(visibilityTimeout-1)*time.Second)
	defer cancel()

	err := c.repair(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrNotFound):
		// session is gone, nothing left to repair
	case msg.ReceiveCount >= maxReceiveCount:
		log.Printf("Giving up on layer repair message %s after %d attempts: %v", msg.Id, msg.ReceiveCount, err)
	default:
		log.Printf("Layer repair failed, will retry: %v", err)
		return
	}

	c.delete(msg)
}

func (c *LayerRepairConsumer) repair(ctx context.Context, req models.LayerRepairRequest) error {
	if req.All {
		report, err := c.normalizer.NormalizeAllSessions(ctx)
		if err != nil {
			return err
		}
		if len(report.Failed) > 0 {
			return fmt.Errorf("%d of %d sessions failed", len(report.Failed), report.Sessions)
		}
		return nil
	}

	_, err := c.normalizer.NormalizeSession(ctx, req.SessionId)
	return err
}

func (c *LayerRepairConsumer) delete(msg *mq.Message) {
	if err := c.repairQueue.Delete(context.Background(), msg); err != nil {
		log.Printf("layerRepairConsumer delete error: %v", err)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-ctx.Done():
		return true
	}
}
