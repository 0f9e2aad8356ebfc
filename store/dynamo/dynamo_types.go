package dynamo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zlnvch/cosketch/models"
)

// Single-table key layout:
//   SESSION#<id> / META            session
//   SESSION#<id> / VIEWER#<viewer> viewer cursor
//   SESSION#<id> / LAYER#<id>      uploaded or AI image layer
//   SESSION#<id> / JOB#<id>        generation job
//   STROKE#<id>  / <order:016d>    finished stroke
//   USER#<id>    / TOKENS          token balance
//   USER#<id>    / LEDGER#<uuid>   ledger entry
const (
	sessionPrefix = "SESSION#"
	strokePrefix  = "STROKE#"
	userPrefix    = "USER#"
	viewerPrefix  = "VIEWER#"
	layerPrefix   = "LAYER#"
	jobPrefix     = "JOB#"
	ledgerPrefix  = "LEDGER#"
	metaSK        = "META"
	tokensSK      = "TOKENS"
)

func sessionPK(sessionId string) string {
	return sessionPrefix + sessionId
}

func strokePK(sessionId string) string {
	return strokePrefix + sessionId
}

func userPK(userId string) string {
	return userPrefix + userId
}

// Zero padding keeps lexical SK order equal to numeric stroke order.
func strokeSK(order int64) string {
	return fmt.Sprintf("%016d", order)
}

type dynamoSession struct {
	PK                string `dynamodbav:"PK"`
	SK                string `dynamodbav:"SK"`
	Id                string `dynamodbav:"Id"`
	CanvasWidth       int    `dynamodbav:"CanvasWidth"`
	CanvasHeight      int    `dynamodbav:"CanvasHeight"`
	IsPublic          bool   `dynamodbav:"IsPublic"`
	Creator           string `dynamodbav:"Creator"`
	Created           int64  `dynamodbav:"Created"`
	StrokeCounter     int64  `dynamodbav:"StrokeCounter"`
	PaintLayerOrder   int    `dynamodbav:"PaintLayerOrder"`
	PaintLayerVisible bool   `dynamodbav:"PaintLayerVisible"`
}

func sessionToDynamo(s models.Session) dynamoSession {
	return dynamoSession{
		PK:                sessionPK(s.Id),
		SK:                metaSK,
		Id:                s.Id,
		CanvasWidth:       s.CanvasWidth,
		CanvasHeight:      s.CanvasHeight,
		IsPublic:          s.IsPublic,
		Creator:           s.Creator,
		Created:           s.Created,
		StrokeCounter:     s.StrokeCounter,
		PaintLayerOrder:   s.PaintLayerOrder,
		PaintLayerVisible: s.PaintLayerVisible,
	}
}

func sessionFromDynamo(ds dynamoSession) models.Session {
	return models.Session{
		Id:                ds.Id,
		CanvasWidth:       ds.CanvasWidth,
		CanvasHeight:      ds.CanvasHeight,
		IsPublic:          ds.IsPublic,
		Creator:           ds.Creator,
		Created:           ds.Created,
		StrokeCounter:     ds.StrokeCounter,
		PaintLayerOrder:   ds.PaintLayerOrder,
		PaintLayerVisible: ds.PaintLayerVisible,
	}
}

type dynamoStroke struct {
	PK      string         `dynamodbav:"PK"`
	SK      string         `dynamodbav:"SK"`
	Order   int64          `dynamodbav:"Order"`
	UserId  string         `dynamodbav:"UserId"`
	LayerId string         `dynamodbav:"LayerId"`
	Points  []models.Point `dynamodbav:"Points"`
	Tool    int            `dynamodbav:"Tool"`
	Color   string         `dynamodbav:"Color"`
	Width   float64        `dynamodbav:"Width"`
	Opacity float64        `dynamodbav:"Opacity"`
	Created int64          `dynamodbav:"Created"`
}

func strokeToDynamo(s models.Stroke) dynamoStroke {
	return dynamoStroke{
		PK:      strokePK(s.SessionId),
		SK:      strokeSK(s.Order),
		Order:   s.Order,
		UserId:  s.UserId,
		LayerId: s.LayerId,
		Points:  s.Points,
		Tool:    int(s.Style.Tool),
		Color:   s.Style.Color,
		Width:   s.Style.Width,
		Opacity: s.Style.Opacity,
		Created: s.Created,
	}
}

func strokeFromDynamo(ds dynamoStroke) models.Stroke {
	return models.Stroke{
		SessionId: strings.TrimPrefix(ds.PK, strokePrefix),
		Order:     ds.Order,
		UserId:    ds.UserId,
		LayerId:   ds.LayerId,
		Points:    ds.Points,
		Style: models.StrokeStyle{
			Tool:    models.Tool(ds.Tool),
			Color:   ds.Color,
			Width:   ds.Width,
			Opacity: ds.Opacity,
		},
		Created: ds.Created,
	}
}

type dynamoViewer struct {
	PK                   string `dynamodbav:"PK"`
	SK                   string `dynamodbav:"SK"`
	SessionId            string `dynamodbav:"SessionId"`
	ViewerId             string `dynamodbav:"ViewerId"`
	LastAckedStrokeOrder int64  `dynamodbav:"LastAckedStrokeOrder"`
	Updated              int64  `dynamodbav:"Updated"`
}

func viewerFromDynamo(dv dynamoViewer) models.ViewerState {
	return models.ViewerState{
		SessionId:            dv.SessionId,
		ViewerId:             dv.ViewerId,
		LastAckedStrokeOrder: dv.LastAckedStrokeOrder,
		Updated:              dv.Updated,
	}
}

type dynamoLayer struct {
	PK         string  `dynamodbav:"PK"`
	SK         string  `dynamodbav:"SK"`
	Id         string  `dynamodbav:"Id"`
	SessionId  string  `dynamodbav:"SessionId"`
	Kind       string  `dynamodbav:"Kind"`
	ImageURL   string  `dynamodbav:"ImageURL"`
	X          float64 `dynamodbav:"X"`
	Y          float64 `dynamodbav:"Y"`
	Width      float64 `dynamodbav:"Width"`
	Height     float64 `dynamodbav:"Height"`
	Prompt     string  `dynamodbav:"Prompt"`
	Visible    bool    `dynamodbav:"Visible"`
	LayerOrder int     `dynamodbav:"LayerOrder"`
	Created    int64   `dynamodbav:"Created"`
}

func layerToDynamo(l models.ImageLayer) dynamoLayer {
	return dynamoLayer{
		PK:         sessionPK(l.SessionId),
		SK:         layerPrefix + l.Id,
		Id:         l.Id,
		SessionId:  l.SessionId,
		Kind:       l.Kind.String(),
		ImageURL:   l.ImageURL,
		X:          l.X,
		Y:          l.Y,
		Width:      l.Width,
		Height:     l.Height,
		Prompt:     l.Prompt,
		Visible:    l.Visible,
		LayerOrder: l.LayerOrder,
		Created:    l.Created,
	}
}

func layerFromDynamo(dl dynamoLayer) models.ImageLayer {
	kind, _ := models.ParseLayerKind(dl.Kind)
	return models.ImageLayer{
		Id:         dl.Id,
		SessionId:  dl.SessionId,
		Kind:       kind,
		ImageURL:   dl.ImageURL,
		X:          dl.X,
		Y:          dl.Y,
		Width:      dl.Width,
		Height:     dl.Height,
		Prompt:     dl.Prompt,
		Visible:    dl.Visible,
		LayerOrder: dl.LayerOrder,
		Created:    dl.Created,
	}
}

type dynamoJob struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	Id            string `dynamodbav:"Id"`
	SessionId     string `dynamodbav:"SessionId"`
	UserId        string `dynamodbav:"UserId"`
	Prompt        string `dynamodbav:"Prompt"`
	Provider      string `dynamodbav:"Provider"`
	ProviderJobId string `dynamodbav:"ProviderJobId"`
	Status        string `dynamodbav:"Status"`
	ImageURL      string `dynamodbav:"ImageURL"`
	LayerId       string `dynamodbav:"LayerId"`
	ErrorKind     string `dynamodbav:"ErrorKind"`
	ErrorMessage  string `dynamodbav:"ErrorMessage"`
	Cost          int64  `dynamodbav:"Cost"`
	Created       int64  `dynamodbav:"Created"`
	Finished      int64  `dynamodbav:"Finished"`
}

func jobToDynamo(j models.GenerationJob) dynamoJob {
	return dynamoJob{
		PK:            sessionPK(j.SessionId),
		SK:            jobPrefix + j.Id,
		Id:            j.Id,
		SessionId:     j.SessionId,
		UserId:        j.UserId,
		Prompt:        j.Prompt,
		Provider:      j.Provider,
		ProviderJobId: j.ProviderJobId,
		Status:        string(j.Status),
		ImageURL:      j.ImageURL,
		LayerId:       j.LayerId,
		ErrorKind:     j.ErrorKind,
		ErrorMessage:  j.ErrorMessage,
		Cost:          j.Cost,
		Created:       j.Created,
		Finished:      j.Finished,
	}
}

func jobFromDynamo(dj dynamoJob) models.GenerationJob {
	return models.GenerationJob{
		Id:            dj.Id,
		SessionId:     dj.SessionId,
		UserId:        dj.UserId,
		Prompt:        dj.Prompt,
		Provider:      dj.Provider,
		ProviderJobId: dj.ProviderJobId,
		Status:        models.JobStatus(dj.Status),
		ImageURL:      dj.ImageURL,
		LayerId:       dj.LayerId,
		ErrorKind:     dj.ErrorKind,
		ErrorMessage:  dj.ErrorMessage,
		Cost:          dj.Cost,
		Created:       dj.Created,
		Finished:      dj.Finished,
	}
}

type dynamoTokens struct {
	PK      string `dynamodbav:"PK"`
	SK      string `dynamodbav:"SK"`
	UserId  string `dynamodbav:"UserId"`
	Balance int64  `dynamodbav:"Balance"`
}

type dynamoLedgerEntry struct {
	PK      string `dynamodbav:"PK"`
	SK      string `dynamodbav:"SK"`
	UserId  string `dynamodbav:"UserId"`
	Delta   int64  `dynamodbav:"Delta"`
	Reason  string `dynamodbav:"Reason"`
	JobId   string `dynamodbav:"JobId"`
	Created int64  `dynamodbav:"Created"`
}

func numberValue(n int64) string {
	return strconv.FormatInt(n, 10)
}
