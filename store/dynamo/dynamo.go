package dynamo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gofrs/uuid/v5"

	"github.com/zlnvch/cosketch/backoff"
	"github.com/zlnvch/cosketch/models"
	"github.com/zlnvch/cosketch/store"
)

const (
	maxAppendAttempts = 25
	// DynamoDB caps a transaction at 100 items
	maxTransactItems = 100
)

type DynamoCanvasStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoCanvasStore(ctx context.Context, devMode bool, dynamodbEndpoint string, tableName string) (*DynamoCanvasStore, error) {
	client, err := newDynamoDBClient(ctx, devMode, dynamodbEndpoint)
	if err != nil {
		return nil, err
	}

	tables, err := getTables(client, ctx)
	if err != nil {
		return nil, err
	}

	if !slices.Contains(tables, tableName) {
		return nil, fmt.Errorf("given table name '%s' not found in dynamodb", tableName)
	}

	return &DynamoCanvasStore{client: client, tableName: tableName}, nil
}

func (dynamoStore *DynamoCanvasStore) CreateSession(ctx context.Context, session models.Session) (models.Session, error) {
	sessionId, err := uuid.NewV7()
	if err != nil {
		return models.Session{}, err
	}
	session.Id = sessionId.String()
	session.Created = time.Now().UnixMilli()
	session.StrokeCounter = 0

	if err := putNewItem(dynamoStore, ctx, sessionToDynamo(session)); err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func (dynamoStore *DynamoCanvasStore) GetSession(ctx context.Context, sessionId string) (models.Session, error) {
	ds, err := getItem[dynamoSession](dynamoStore, ctx, sessionPK(sessionId), metaSK, true)
	if err != nil {
		return models.Session{}, err
	}
	return sessionFromDynamo(ds), nil
}

func (dynamoStore *DynamoCanvasStore) ListSessionIds(ctx context.Context) ([]string, error) {
	return scanIdsBySK(dynamoStore, ctx, metaSK)
}

func (dynamoStore *DynamoCanvasStore) SetPaintLayerVisible(ctx context.Context, sessionId string, visible bool) error {
	_, err := dynamoStore.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(dynamoStore.tableName),
		Key:              itemKey(sessionPK(sessionId), metaSK),
		UpdateExpression: aws.String("SET PaintLayerVisible = :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberBOOL{Value: visible},
		},
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return store.ErrItemNotFound
		}
		return fmt.Errorf("update failed: %w", err)
	}
	return nil
}

// AppendStroke reads the session counter and commits the counter bump and the
// stroke put in one transaction conditioned on the counter still holding the
// value read. Losing the race retries with a fresh read, so orders stay dense.
func (dynamoStore *DynamoCanvasStore) AppendStroke(ctx context.Context, stroke models.Stroke) (models.Stroke, error) {
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		ds, err := getItem[dynamoSession](dynamoStore, ctx, sessionPK(stroke.SessionId), metaSK, true)
		if err != nil {
			return models.Stroke{}, err
		}

		stroke.Order = ds.StrokeCounter
		avMap, err := attributevalue.MarshalMap(strokeToDynamo(stroke))
		if err != nil {
			return models.Stroke{}, fmt.Errorf("marshal error: %w", err)
		}

		items := []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:           aws.String(dynamoStore.tableName),
					Key:                 itemKey(sessionPK(stroke.SessionId), metaSK),
					UpdateExpression:    aws.String("SET StrokeCounter = :next"),
					ConditionExpression: aws.String("StrokeCounter = :cur"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":cur":  &types.AttributeValueMemberN{Value: numberValue(stroke.Order)},
						":next": &types.AttributeValueMemberN{Value: numberValue(stroke.Order + 1)},
					},
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(dynamoStore.tableName),
					Item:                avMap,
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
		}

		_, err = transactWrite(dynamoStore, ctx, items)
		if err == nil {
			return stroke, nil
		}
		if !errors.Is(err, store.ErrConditionFailed) && !errors.Is(err, errTransactionConflict) {
			return models.Stroke{}, err
		}

		if err := backoff.Sleep(ctx, backoff.Jittered(attempt, 5*time.Millisecond, 250*time.Millisecond)); err != nil {
			return models.Stroke{}, err
		}
	}

	return models.Stroke{}, fmt.Errorf("append stroke to session %s: %w", stroke.SessionId, store.ErrConditionFailed)
}

func (dynamoStore *DynamoCanvasStore) GetStrokesSince(ctx context.Context, sessionId string, afterOrder int64) ([]models.Stroke, error) {
	var (
		dynamoStrokes []dynamoStroke
		err           error
	)
	if afterOrder < 0 {
		dynamoStrokes, err = queryAll[dynamoStroke](dynamoStore, ctx, strokePK(sessionId), "", "", true)
	} else {
		dynamoStrokes, err = queryAll[dynamoStroke](dynamoStore, ctx, strokePK(sessionId), "SK > :sk", strokeSK(afterOrder), true)
	}
	if err != nil {
		return nil, err
	}

	strokes := make([]models.Stroke, 0, len(dynamoStrokes))
	for _, ds := range dynamoStrokes {
		strokes = append(strokes, strokeFromDynamo(ds))
	}
	return strokes, nil
}

// UpsertViewerState checks the session record and advances the cursor in one
// transaction, so an ack for a missing session never leaves a viewer row behind.
func (dynamoStore *DynamoCanvasStore) UpsertViewerState(ctx context.Context, state models.ViewerState) error {
	items := viewerUpsertItems(dynamoStore.tableName, state)
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		failed, err := transactWrite(dynamoStore, ctx, items)
		if !errors.Is(err, errTransactionConflict) {
			return viewerUpsertError(failed, err)
		}
		if err := backoff.Sleep(ctx, backoff.Jittered(attempt, 5*time.Millisecond, 250*time.Millisecond)); err != nil {
			return err
		}
	}
	return fmt.Errorf("upsert viewer state failed: %w", errTransactionConflict)
}

const (
	viewerSessionCheck = 0
	viewerCursorUpdate = 1
)

func viewerUpsertItems(tableName string, state models.ViewerState) []types.TransactWriteItem {
	return []types.TransactWriteItem{
		viewerSessionCheck: {
			ConditionCheck: &types.ConditionCheck{
				TableName:           aws.String(tableName),
				Key:                 itemKey(sessionPK(state.SessionId), metaSK),
				ConditionExpression: aws.String("attribute_exists(PK)"),
			},
		},
		viewerCursorUpdate: {
			Update: &types.Update{
				TableName:        aws.String(tableName),
				Key:              itemKey(sessionPK(state.SessionId), viewerPrefix+state.ViewerId),
				UpdateExpression: aws.String("SET SessionId = :sid, ViewerId = :vid, LastAckedStrokeOrder = :ack, Updated = :now"),
				// A missing row or a strictly older cursor is the only case that writes
				ConditionExpression: aws.String("attribute_not_exists(PK) OR LastAckedStrokeOrder < :ack"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":sid": &types.AttributeValueMemberS{Value: state.SessionId},
					":vid": &types.AttributeValueMemberS{Value: state.ViewerId},
					":ack": &types.AttributeValueMemberN{Value: numberValue(state.LastAckedStrokeOrder)},
					":now": &types.AttributeValueMemberN{Value: numberValue(state.Updated)},
				},
			},
		},
	}
}

// viewerUpsertError maps the failed condition indexes of a viewer upsert onto
// store sentinels. A missing session wins over a stale cursor.
func viewerUpsertError(failed []int, err error) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrConditionFailed) {
		return fmt.Errorf("upsert viewer state failed: %w", err)
	}
	if slices.Contains(failed, viewerSessionCheck) {
		return store.ErrItemNotFound
	}
	return store.ErrConditionFailed
}

func (dynamoStore *DynamoCanvasStore) GetViewerState(ctx context.Context, sessionId string, viewerId string) (models.ViewerState, error) {
	dv, err := getItem[dynamoViewer](dynamoStore, ctx, sessionPK(sessionId), viewerPrefix+viewerId, true)
	if err != nil {
		return models.ViewerState{}, err
	}
	return viewerFromDynamo(dv), nil
}

func (dynamoStore *DynamoCanvasStore) DeleteViewerState(ctx context.Context, sessionId string, viewerId string) error {
	return deleteItem(dynamoStore, ctx, sessionPK(sessionId), viewerPrefix+viewerId)
}

func (dynamoStore *DynamoCanvasStore) DeleteSessionViewerStates(ctx context.Context, sessionId string) error {
	return batchDeleteByPrefixThrottled(dynamoStore, ctx, sessionPK(sessionId), viewerPrefix, 50*time.Millisecond)
}

func (dynamoStore *DynamoCanvasStore) CreateImageLayer(ctx context.Context, layer models.ImageLayer) (models.ImageLayer, error) {
	if layer.Id == "" {
		layerId, err := uuid.NewV7()
		if err != nil {
			return models.ImageLayer{}, err
		}
		layer.Id = layerId.String()
	}
	if layer.Created == 0 {
		layer.Created = time.Now().UnixMilli()
	}

	if err := putNewItem(dynamoStore, ctx, layerToDynamo(layer)); err != nil {
		return models.ImageLayer{}, err
	}
	return layer, nil
}

func (dynamoStore *DynamoCanvasStore) GetImageLayers(ctx context.Context, sessionId string) ([]models.ImageLayer, error) {
	dynamoLayers, err := queryAll[dynamoLayer](dynamoStore, ctx, sessionPK(sessionId), "begins_with(SK, :sk)", layerPrefix, true)
	if err != nil {
		return nil, err
	}

	layers := make([]models.ImageLayer, 0, len(dynamoLayers))
	for _, dl := range dynamoLayers {
		layers = append(layers, layerFromDynamo(dl))
	}
	return layers, nil
}

// UpdateLayerOrders writes the given orders in transactions of up to 100 items.
// Callers serialize per session; each chunk is atomic on its own.
func (dynamoStore *DynamoCanvasStore) UpdateLayerOrders(ctx context.Context, sessionId string, updates []models.LayerOrderUpdate) error {
	for start := 0; start < len(updates); start += maxTransactItems {
		end := min(start+maxTransactItems, len(updates))

		items := make([]types.TransactWriteItem, 0, end-start)
		for _, u := range updates[start:end] {
			update := &types.Update{
				TableName:           aws.String(dynamoStore.tableName),
				ConditionExpression: aws.String("attribute_exists(PK)"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":o": &types.AttributeValueMemberN{Value: numberValue(int64(u.Order))},
				},
			}
			if u.Ref.Kind == models.LayerPaint {
				update.Key = itemKey(sessionPK(sessionId), metaSK)
				update.UpdateExpression = aws.String("SET PaintLayerOrder = :o")
			} else {
				update.Key = itemKey(sessionPK(sessionId), layerPrefix+u.Ref.Id)
				update.UpdateExpression = aws.String("SET LayerOrder = :o")
			}
			items = append(items, types.TransactWriteItem{Update: update})
		}

		if _, err := transactWrite(dynamoStore, ctx, items); err != nil {
			if errors.Is(err, store.ErrConditionFailed) {
				return store.ErrItemNotFound
			}
			return err
		}
	}
	return nil
}

func (dynamoStore *DynamoCanvasStore) CreateJob(ctx context.Context, job models.GenerationJob) (models.GenerationJob, error) {
	jobId, err := uuid.NewV7()
	if err != nil {
		return models.GenerationJob{}, err
	}
	job.Id = jobId.String()
	job.Status = models.JobPending
	job.Created = time.Now().UnixMilli()

	if err := putNewItem(dynamoStore, ctx, jobToDynamo(job)); err != nil {
		return models.GenerationJob{}, err
	}
	return job, nil
}

func (dynamoStore *DynamoCanvasStore) GetJob(ctx context.Context, sessionId string, jobId string) (models.GenerationJob, error) {
	dj, err := getItem[dynamoJob](dynamoStore, ctx, sessionPK(sessionId), jobPrefix+jobId, true)
	if err != nil {
		return models.GenerationJob{}, err
	}
	return jobFromDynamo(dj), nil
}

func (dynamoStore *DynamoCanvasStore) ListJobs(ctx context.Context, sessionId string) ([]models.GenerationJob, error) {
	dynamoJobs, err := queryAll[dynamoJob](dynamoStore, ctx, sessionPK(sessionId), "begins_with(SK, :sk)", jobPrefix, false)
	if err != nil {
		return nil, err
	}

	jobs := make([]models.GenerationJob, 0, len(dynamoJobs))
	for _, dj := range dynamoJobs {
		jobs = append(jobs, jobFromDynamo(dj))
	}
	return jobs, nil
}

func (dynamoStore *DynamoCanvasStore) SetJobProviderId(ctx context.Context, sessionId string, jobId string, providerJobId string) error {
	return dynamoStore.updatePendingJob(ctx, sessionId, jobId, "SET ProviderJobId = :pid", map[string]types.AttributeValue{
		":pid": &types.AttributeValueMemberS{Value: providerJobId},
	})
}

func (dynamoStore *DynamoCanvasStore) FailJob(ctx context.Context, sessionId string, jobId string, errorKind string, errorMessage string) error {
	return dynamoStore.updatePendingJob(ctx, sessionId, jobId, "SET #s = :failed, ErrorKind = :kind, ErrorMessage = :msg, Finished = :now", map[string]types.AttributeValue{
		":failed": &types.AttributeValueMemberS{Value: string(models.JobFailed)},
		":kind":   &types.AttributeValueMemberS{Value: errorKind},
		":msg":    &types.AttributeValueMemberS{Value: errorMessage},
		":now":    &types.AttributeValueMemberN{Value: numberValue(time.Now().UnixMilli())},
	})
}

func (dynamoStore *DynamoCanvasStore) updatePendingJob(ctx context.Context, sessionId string, jobId string, updateExpr string, values map[string]types.AttributeValue) error {
	values[":pending"] = &types.AttributeValueMemberS{Value: string(models.JobPending)}

	_, err := dynamoStore.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(dynamoStore.tableName),
		Key:              itemKey(sessionPK(sessionId), jobPrefix+jobId),
		UpdateExpression: aws.String(updateExpr),
		// Status is a DynamoDB reserved word
		ExpressionAttributeNames:  map[string]string{"#s": "Status"},
		ExpressionAttributeValues: values,
		ConditionExpression:       aws.String("#s = :pending"),
	})
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return store.ErrConditionFailed
		}
		return fmt.Errorf("update job failed: %w", err)
	}
	return nil
}

func (dynamoStore *DynamoCanvasStore) SettleJob(ctx context.Context, settlement models.JobSettlement) (models.GenerationJob, error) {
	now := time.Now().UnixMilli()

	entryId, err := uuid.NewV7()
	if err != nil {
		return models.GenerationJob{}, err
	}
	entry := dynamoLedgerEntry{
		PK:      userPK(settlement.UserId),
		SK:      ledgerPrefix + entryId.String(),
		UserId:  settlement.UserId,
		Delta:   -settlement.Cost,
		Reason:  settlement.Reason,
		JobId:   settlement.JobId,
		Created: now,
	}
	entryMap, err := attributevalue.MarshalMap(entry)
	if err != nil {
		return models.GenerationJob{}, fmt.Errorf("marshal error: %w", err)
	}

	layer := settlement.Layer
	if layer.Id == "" {
		layerId, err := uuid.NewV7()
		if err != nil {
			return models.GenerationJob{}, err
		}
		layer.Id = layerId.String()
	}
	layer.Created = now
	layerMap, err := attributevalue.MarshalMap(layerToDynamo(layer))
	if err != nil {
		return models.GenerationJob{}, fmt.Errorf("marshal error: %w", err)
	}

	var items []types.TransactWriteItem
	// Free providers settle without touching the balance
	if settlement.Cost > 0 {
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName:           aws.String(dynamoStore.tableName),
				Key:                 itemKey(userPK(settlement.UserId), tokensSK),
				UpdateExpression:    aws.String("SET Balance = Balance - :cost"),
				ConditionExpression: aws.String("attribute_exists(PK) AND Balance >= :cost"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":cost": &types.AttributeValueMemberN{Value: numberValue(settlement.Cost)},
				},
			},
		})
	}
	items = append(items,
		types.TransactWriteItem{
			Update: &types.Update{
				TableName:                aws.String(dynamoStore.tableName),
				Key:                      itemKey(sessionPK(settlement.SessionId), jobPrefix+settlement.JobId),
				UpdateExpression:         aws.String("SET #s = :completed, ImageURL = :url, LayerId = :lid, Finished = :now"),
				ConditionExpression:      aws.String("#s = :pending"),
				ExpressionAttributeNames: map[string]string{"#s": "Status"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":completed": &types.AttributeValueMemberS{Value: string(models.JobCompleted)},
					":pending":   &types.AttributeValueMemberS{Value: string(models.JobPending)},
					":url":       &types.AttributeValueMemberS{Value: settlement.ImageURL},
					":lid":       &types.AttributeValueMemberS{Value: layer.Id},
					":now":       &types.AttributeValueMemberN{Value: numberValue(now)},
				},
			},
		},
		types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(dynamoStore.tableName),
				Item:      entryMap,
			},
		},
		types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(dynamoStore.tableName),
				Item:                layerMap,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		},
	)

	failed, err := transactWrite(dynamoStore, ctx, items)
	if err != nil {
		if settlement.Cost > 0 && slices.Contains(failed, 0) {
			return models.GenerationJob{}, store.ErrInsufficientFunds
		}
		return models.GenerationJob{}, err
	}

	return dynamoStore.GetJob(ctx, settlement.SessionId, settlement.JobId)
}

func (dynamoStore *DynamoCanvasStore) GetTokenBalance(ctx context.Context, userId string) (int64, error) {
	dt, err := getItem[dynamoTokens](dynamoStore, ctx, userPK(userId), tokensSK, true)
	if err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return dt.Balance, nil
}

func (dynamoStore *DynamoCanvasStore) GrantTokens(ctx context.Context, userId string, amount int64, reason string) (int64, error) {
	balance, err := addToCounter(dynamoStore, ctx, userPK(userId), tokensSK, "Balance", amount, map[string]types.AttributeValue{
		"UserId": &types.AttributeValueMemberS{Value: userId},
	})
	if err != nil {
		return 0, err
	}

	entryId, err := uuid.NewV7()
	if err != nil {
		return balance, err
	}
	entry := dynamoLedgerEntry{
		PK:      userPK(userId),
		SK:      ledgerPrefix + entryId.String(),
		UserId:  userId,
		Delta:   amount,
		Reason:  reason,
		Created: time.Now().UnixMilli(),
	}
	if err := putNewItem(dynamoStore, ctx, entry); err != nil {
		return balance, err
	}
	return balance, nil
}
