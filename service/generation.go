package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zlnvch/cosketch/backoff"
	"github.com/zlnvch/cosketch/models"
	"github.com/zlnvch/cosketch/provider"
	"github.com/zlnvch/cosketch/store"
)

const (
	maxArtifactBytes  = 25 << 20
	failJobTimeout    = 10 * time.Second
	ledgerReasonGen   = "generation"
	defaultLayerWidth = 512
)

type SubmitGenerationParams struct {
	SessionId    string
	Prompt       string
	ProviderKind string
	// Input is passed to the provider as is. When empty, {"prompt": Prompt} is sent.
	Input json.RawMessage
	// Placement of the resulting layer. Zero size uses the canvas size.
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// SubmitGeneration runs one generation job to a terminal state and returns
// the job. Gating failures (ErrUnauthorized, ErrPermissionDenied,
// ErrInsufficientFunds) return before any job exists. Every later failure
// leaves the job failed and is returned alongside it. Tokens are only debited
// when the job completes.
func (s *Service) SubmitGeneration(ctx context.Context, params SubmitGenerationParams) (models.GenerationJob, error) {
	// 1. Identity
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return models.GenerationJob{}, ErrUnauthorized
	}

	if err := ValidatePrompt(params.Prompt); err != nil {
		return models.GenerationJob{}, err
	}

	session, err := s.GetSession(ctx, params.SessionId)
	if err != nil {
		return models.GenerationJob{}, err
	}
	if session.Creator != "" && session.Creator != identity.Subject {
		return models.GenerationJob{}, ErrPermissionDenied
	}

	prov, ok := s.Providers[params.ProviderKind]
	if !ok {
		return models.GenerationJob{}, fmt.Errorf("%w: unknown provider %q", ErrProviderError, params.ProviderKind)
	}

	// 2. Read-only balance gate
	cost := s.Generation.costFor(params.ProviderKind)
	balance, err := s.Store.GetTokenBalance(ctx, identity.Subject)
	if err != nil {
		return models.GenerationJob{}, fmt.Errorf("get token balance failed: %w", err)
	}
	if balance < cost {
		return models.GenerationJob{}, fmt.Errorf("%w: balance %d, cost %d", ErrInsufficientFunds, balance, cost)
	}

	input := params.Input
	if len(input) == 0 {
		input, err = json.Marshal(map[string]string{"prompt": params.Prompt})
		if err != nil {
			return models.GenerationJob{}, err
		}
	}

	// 3. Pending job
	job, err := s.Store.CreateJob(ctx, models.GenerationJob{
		SessionId: session.Id,
		UserId:    identity.Subject,
		Prompt:    params.Prompt,
		Provider:  params.ProviderKind,
		Cost:      cost,
	})
	if err != nil {
		return models.GenerationJob{}, fmt.Errorf("create job failed: %w", err)
	}

	completed, err := s.runGeneration(ctx, job, prov, input, session, params)
	if err != nil {
		return s.failJob(ctx, job, err), err
	}

	go func() {
		s.publish(context.Background(), session.Id, EventLayersChanged, nil)
		s.requestLayerRepair(session.Id)
	}()
	return completed, nil
}

func (s *Service) runGeneration(
	ctx context.Context,
	job models.GenerationJob,
	prov provider.GenerationProvider,
	input json.RawMessage,
	session models.Session,
	params SubmitGenerationParams,
) (models.GenerationJob, error) {
	// 4. Submit
	providerJobId, err := prov.Submit(ctx, input)
	if err != nil {
		return models.GenerationJob{}, fmt.Errorf("%w: submit: %v", ErrProviderError, err)
	}
	if err := s.Store.SetJobProviderId(ctx, job.SessionId, job.Id, providerJobId); err != nil {
		log.Printf("Failed to record provider job id for job %s: %v", job.Id, err)
	}

	// 5. Poll
	output, err := s.pollGeneration(ctx, prov, providerJobId)
	if err != nil {
		return models.GenerationJob{}, err
	}

	// 6. Resolve, fetch, persist
	ref, err := resolveOutputReference(output)
	if err != nil {
		return models.GenerationJob{}, err
	}
	data, contentType, err := s.fetchArtifact(ctx, ref)
	if err != nil {
		return models.GenerationJob{}, fmt.Errorf("%w: fetch: %v", ErrStorageError, err)
	}
	if s.Blob == nil {
		return models.GenerationJob{}, fmt.Errorf("%w: no blob store configured", ErrStorageError)
	}
	handle, err := s.Blob.Store(ctx, data, contentType)
	if err != nil {
		return models.GenerationJob{}, fmt.Errorf("%w: store: %v", ErrStorageError, err)
	}
	imageURL, ok := s.Blob.URLFor(ctx, handle)
	if !ok {
		return models.GenerationJob{}, fmt.Errorf("%w: no url for %s", ErrStorageError, handle)
	}

	// 7. Debit, complete and insert the layer in one step
	layers, err := s.collectLayers(ctx, session.Id)
	if err != nil {
		return models.GenerationJob{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	width, height := params.Width, params.Height
	if width <= 0 || height <= 0 {
		width, height = float64(session.CanvasWidth), float64(session.CanvasHeight)
	}
	if width <= 0 || height <= 0 {
		width, height = defaultLayerWidth, defaultLayerWidth
	}

	completed, err := s.Store.SettleJob(ctx, models.JobSettlement{
		SessionId: job.SessionId,
		JobId:     job.Id,
		UserId:    job.UserId,
		Cost:      job.Cost,
		Reason:    ledgerReasonGen,
		ImageURL:  imageURL,
		Layer: models.ImageLayer{
			SessionId:  job.SessionId,
			Kind:       models.LayerAI,
			ImageURL:   imageURL,
			X:          params.X,
			Y:          params.Y,
			Width:      width,
			Height:     height,
			Prompt:     job.Prompt,
			Visible:    true,
			LayerOrder: nextLayerOrder(layers),
		},
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			return models.GenerationJob{}, fmt.Errorf("%w: balance fell below %d before settlement", ErrInsufficientFunds, job.Cost)
		}
		return models.GenerationJob{}, fmt.Errorf("%w: settle: %v", ErrStorageError, err)
	}
	return completed, nil
}

// pollGeneration polls every PollInterval until the provider reports a terminal
// state or MaxPollAttempts polls have been made.
func (s *Service) pollGeneration(ctx context.Context, prov provider.GenerationProvider, providerJobId string) (json.RawMessage, error) {
	for attempt := 1; attempt <= s.Generation.MaxPollAttempts; attempt++ {
		if err := backoff.Sleep(ctx, s.Generation.PollInterval); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}

		res, err := prov.Poll(ctx, providerJobId)
		if err != nil {
			return nil, fmt.Errorf("%w: poll: %v", ErrProviderError, err)
		}

		switch res.Status {
		case provider.StatusSucceeded:
			return res.Output, nil
		case provider.StatusFailed:
			return nil, fmt.Errorf("%w: provider reported failure: %s", ErrProviderError, res.Error)
		}
	}
	return nil, fmt.Errorf("%w: no result after %d polls", ErrTimeout, s.Generation.MaxPollAttempts)
}

// failJob records cause on the job. It uses a context detached from the
// caller so a cancelled request still moves the job out of pending.
func (s *Service) failJob(ctx context.Context, job models.GenerationJob, cause error) models.GenerationJob {
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failJobTimeout)
	defer cancel()

	kind := ErrorKind(cause)
	if err := s.Store.FailJob(failCtx, job.SessionId, job.Id, kind, cause.Error()); err != nil {
		log.Printf("Failed to mark job %s failed: %v", job.Id, err)
	}
	log.Printf("Generation job %s failed (%s): %v", job.Id, kind, cause)

	failed, err := s.Store.GetJob(failCtx, job.SessionId, job.Id)
	if err != nil {
		job.Status = models.JobFailed
		job.ErrorKind = kind
		job.ErrorMessage = cause.Error()
		return job
	}
	return failed
}

// resolveOutputReference reduces a provider output payload to one reference.
// Accepted shapes: a string, a one-element array, an object with a "url" or
// "image" field, or an array of single characters spelling the reference.
func resolveOutputReference(output json.RawMessage) (string, error) {
	var decoded any
	if err := json.Unmarshal(output, &decoded); err != nil {
		return "", fmt.Errorf("%w: malformed output: %v", ErrProviderError, err)
	}

	var ref string
	switch v := decoded.(type) {
	case string:
		ref = v
	case map[string]any:
		for _, field := range []string{"url", "image"} {
			if s, ok := v[field].(string); ok {
				ref = s
				break
			}
		}
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return "", fmt.Errorf("%w: output array holds non-string values", ErrProviderError)
			}
			parts = append(parts, s)
		}
		switch {
		case len(parts) == 1:
			ref = parts[0]
		case len(parts) > 1 && allSingleChars(parts):
			ref = strings.Join(parts, "")
		}
	}

	ref = strings.TrimSpace(ref)
	if !isReference(ref) {
		return "", fmt.Errorf("%w: output does not resolve to a single reference", ErrProviderError)
	}
	return ref, nil
}

func allSingleChars(parts []string) bool {
	for _, p := range parts {
		if utf8.RuneCountInString(p) != 1 {
			return false
		}
	}
	return true
}

func isReference(ref string) bool {
	if strings.HasPrefix(ref, "data:") {
		return strings.Contains(ref, ",")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// fetchArtifact reads the bytes behind ref, which is an http(s) URL or a data URI.
func (s *Service) fetchArtifact(ctx context.Context, ref string) ([]byte, string, error) {
	if strings.HasPrefix(ref, "data:") {
		return decodeDataURI(ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, "", err
	}
	res, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("status %d", res.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, maxArtifactBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxArtifactBytes {
		return nil, "", errors.New("artifact too large")
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty artifact")
	}

	contentType := res.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func decodeDataURI(ref string) ([]byte, string, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return nil, "", errors.New("malformed data uri")
	}

	contentType, isBase64 := strings.CutSuffix(meta, ";base64")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var data []byte
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", fmt.Errorf("decode data uri: %w", err)
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("decode data uri: %w", err)
		}
		data = []byte(unescaped)
	}

	if len(data) == 0 {
		return nil, "", errors.New("empty artifact")
	}
	if len(data) > maxArtifactBytes {
		return nil, "", errors.New("artifact too large")
	}
	return data, contentType, nil
}

func (s *Service) GetJob(ctx context.Context, sessionId string, jobId string) (models.GenerationJob, error) {
	job, err := s.Store.GetJob(ctx, sessionId, jobId)
	if err != nil {
		return models.GenerationJob{}, fromStore(err, "job "+jobId)
	}
	return job, nil
}

func (s *Service) ListJobs(ctx context.Context, sessionId string) ([]models.GenerationJob, error) {
	return s.Store.ListJobs(ctx, sessionId)
}

func (s *Service) GetTokenBalance(ctx context.Context) (int64, error) {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return 0, ErrUnauthorized
	}
	return s.Store.GetTokenBalance(ctx, identity.Subject)
}

// GrantTokens credits userId. It is exposed for seeding and admin tooling only.
func (s *Service) GrantTokens(ctx context.Context, userId string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, invalidInput("amount must be positive")
	}
	if userId == "" {
		return 0, invalidInput("user id required")
	}
	return s.Store.GrantTokens(ctx, userId, amount, reason)
}
