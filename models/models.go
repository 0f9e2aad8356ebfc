package models

import "encoding/json"

type Session struct {
	Id                string `json:"id"`
	CanvasWidth       int    `json:"canvasWidth"`
	CanvasHeight      int    `json:"canvasHeight"`
	IsPublic          bool   `json:"isPublic"`
	Creator           string `json:"creator,omitempty"`
	Created           int64  `json:"created"`
	StrokeCounter     int64  `json:"strokeCounter"`
	PaintLayerOrder   int    `json:"paintLayerOrder"`
	PaintLayerVisible bool   `json:"paintLayerVisible"`
}

type Tool int

const (
	ToolPen Tool = iota
	ToolEraser
	ToolCount
)

type Point struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Pressure float64 `json:"pressure,omitempty"`
}

type StrokeStyle struct {
	Tool    Tool    `json:"tool"`
	Color   string  `json:"color"`
	Width   float64 `json:"width"`
	Opacity float64 `json:"opacity"`
}

// Stroke is a finished stroke. Order is assigned by the store at append time
// and is never reused within a session.
type Stroke struct {
	SessionId string      `json:"sessionId"`
	Order     int64       `json:"order"`
	UserId    string      `json:"userId,omitempty"`
	LayerId   string      `json:"layerId"`
	Points    []Point     `json:"points"`
	Style     StrokeStyle `json:"style"`
	Created   int64       `json:"created"`
}

type ViewerState struct {
	SessionId            string `json:"sessionId"`
	ViewerId             string `json:"viewerId"`
	LastAckedStrokeOrder int64  `json:"lastAckedStrokeOrder"`
	Updated              int64  `json:"updated"`
}

// LiveStroke is an in-progress stroke. Key is the user id, or "anon:<clientId>"
// for anonymous painters. LastUpdated is unix milliseconds.
type LiveStroke struct {
	SessionId   string      `json:"sessionId"`
	Key         string      `json:"key"`
	UserId      string      `json:"userId,omitempty"`
	UserColor   string      `json:"userColor"`
	UserName    string      `json:"userName"`
	Points      []Point     `json:"points"`
	Style       StrokeStyle `json:"style"`
	LastUpdated int64       `json:"lastUpdated"`
}

type LayerKind int

// Values double as the tie-break precedence during normalization.
const (
	LayerPaint LayerKind = iota
	LayerUploaded
	LayerAI
)

func (k LayerKind) String() string {
	switch k {
	case LayerPaint:
		return "paint"
	case LayerUploaded:
		return "uploaded"
	case LayerAI:
		return "ai"
	}
	return "unknown"
}

func ParseLayerKind(s string) (LayerKind, bool) {
	switch s {
	case "paint":
		return LayerPaint, true
	case "uploaded":
		return LayerUploaded, true
	case "ai":
		return LayerAI, true
	}
	return 0, false
}

func (k LayerKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *LayerKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	kind, ok := ParseLayerKind(s)
	if !ok {
		return &json.UnsupportedValueError{Str: s}
	}
	*k = kind
	return nil
}

// ImageLayer is an uploaded or AI-generated image placed on the canvas.
type ImageLayer struct {
	Id         string    `json:"id"`
	SessionId  string    `json:"sessionId"`
	Kind       LayerKind `json:"kind"`
	ImageURL   string    `json:"imageUrl"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Width      float64   `json:"width"`
	Height     float64   `json:"height"`
	Prompt     string    `json:"prompt,omitempty"`
	Visible    bool      `json:"visible"`
	LayerOrder int       `json:"layerOrder"`
	Created    int64     `json:"created"`
}

type LayerRef struct {
	Kind LayerKind `json:"kind"`
	Id   string    `json:"id"`
}

// Layer is the uniform view over the three layer kinds sharing one order space.
// The paint layer has Id equal to the session id and Created equal to the
// session's creation time.
type Layer struct {
	Kind       LayerKind `json:"kind"`
	Id         string    `json:"id"`
	LayerOrder int       `json:"layerOrder"`
	Created    int64     `json:"created"`
}

func (l Layer) Ref() LayerRef {
	return LayerRef{Kind: l.Kind, Id: l.Id}
}

type LayerOrderUpdate struct {
	Ref   LayerRef
	Order int
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

type GenerationJob struct {
	Id            string    `json:"id"`
	SessionId     string    `json:"sessionId"`
	UserId        string    `json:"userId"`
	Prompt        string    `json:"prompt"`
	Provider      string    `json:"provider"`
	ProviderJobId string    `json:"providerJobId,omitempty"`
	Status        JobStatus `json:"status"`
	ImageURL      string    `json:"imageUrl,omitempty"`
	LayerId       string    `json:"layerId,omitempty"`
	ErrorKind     string    `json:"errorKind,omitempty"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	Cost          int64     `json:"cost"`
	Created       int64     `json:"created"`
	Finished      int64     `json:"finished,omitempty"`
}

// JobSettlement is applied atomically: debit, job completion, ledger entry and
// AI layer insert either all happen or none do.
type JobSettlement struct {
	SessionId string
	JobId     string
	UserId    string
	Cost      int64
	Reason    string
	ImageURL  string
	Layer     ImageLayer
}

type Identity struct {
	Subject string
}

// LayerRepairRequest is the body of a layer repair queue message. All asks for
// every session to be normalized.
type LayerRepairRequest struct {
	SessionId string `json:"sessionId,omitempty"`
	All       bool   `json:"all,omitempty"`
}
