package service

import (
	"math"
	"regexp"

	"github.com/zlnvch/cosketch/models"
)

var hexColorRegex = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Client generated ids: viewer ids, client ids, layer ids
var idRegex = regexp.MustCompile(`^[A-Za-z0-9_:\-]{1,128}$`)

const (
	minWidth        = 1
	maxWidth        = 200
	maxStrokePoints = 5000
	maxCanvasSide   = 16384
	maxPromptLength = 2000
	maxUserName     = 64
)

func ValidateStrokeStyle(style models.StrokeStyle) error {
	if style.Tool < 0 || style.Tool >= models.ToolCount {
		return invalidInput("invalid tool")
	}

	if !hexColorRegex.MatchString(style.Color) {
		return invalidInput("invalid color")
	}

	if style.Width < minWidth || style.Width > maxWidth {
		return invalidInput("invalid width")
	}

	if style.Opacity < 0 || style.Opacity > 1 {
		return invalidInput("invalid opacity")
	}

	return nil
}

func ValidatePoints(points []models.Point) error {
	if len(points) > maxStrokePoints {
		return invalidInput("stroke too long")
	}
	for _, p := range points {
		if !finite(p.X) || !finite(p.Y) || !finite(p.Pressure) {
			return invalidInput("invalid point")
		}
		if p.Pressure < 0 || p.Pressure > 1 {
			return invalidInput("invalid pressure")
		}
	}
	return nil
}

func ValidateId(id string, what string) error {
	if !idRegex.MatchString(id) {
		return invalidInput("invalid " + what)
	}
	return nil
}

func ValidateCanvasSize(width int, height int) error {
	if width <= 0 || height <= 0 || width > maxCanvasSide || height > maxCanvasSide {
		return invalidInput("invalid canvas size")
	}
	return nil
}

func ValidatePrompt(prompt string) error {
	if len(prompt) == 0 {
		return invalidInput("prompt required")
	}
	if len(prompt) > maxPromptLength {
		return invalidInput("prompt too long")
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
