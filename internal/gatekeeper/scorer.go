package gatekeeper

import (
	"fmt"

	"github.com/raine/product-gate/internal/policy"
	"github.com/rs/zerolog/log"
)

// Fixed score weights. They sum to policy.MaxScore.
const (
	widthPoints        = 10
	heightPoints       = 10
	highResPoints      = 15
	colorModePoints    = 10
	professionalPoints = 5

	highResMinExclusive = 500
	professionalWidth   = 800
	professionalHeight  = 600
)

// PolicyScore is the technical quality score of one image.
type PolicyScore struct {
	Score     int      `json:"score"`
	Threshold int      `json:"threshold"`
	Passed    bool     `json:"passed"`
	Details   []string `json:"details"`
	Error     string   `json:"error,omitempty"`
}

// ScoreImage decodes the image header and scores it against p. A decode
// failure yields a zero, failed score carrying the error message.
func ScoreImage(data []byte, p *policy.Policy) PolicyScore {
	score, _ := scoreImage(data, p)
	return score
}

func scoreImage(data []byte, p *policy.Policy) (PolicyScore, ImageMetadata) {
	meta, err := DecodeMetadata(data)
	if err != nil {
		log.Warn().Err(err).Msg("scoring image decode failed")
		return PolicyScore{Score: 0, Threshold: p.Threshold(), Passed: false, Error: err.Error()}, meta
	}
	return ScoreMetadata(meta, p), meta
}

// ScoreMetadata applies the additive scoring checks to decoded metadata.
func ScoreMetadata(meta ImageMetadata, p *policy.Policy) PolicyScore {
	w, h, mode := meta.Width, meta.Height, meta.ColorMode
	minW, minH := p.MinWidth(), p.MinHeight()

	log.Debug().
		Int("width", w).
		Int("height", h).
		Str("mode", mode).
		Int("minWidth", minW).
		Int("minHeight", minH).
		Msg("scoring image")

	score := 0
	details := make([]string, 0, 5)

	if w >= minW {
		score += widthPoints
		details = append(details, fmt.Sprintf("Width requirement met: %dpx >= %dpx", w, minW))
	} else {
		details = append(details, fmt.Sprintf("Width requirement NOT met: %dpx < %dpx", w, minW))
	}

	if h >= minH {
		score += heightPoints
		details = append(details, fmt.Sprintf("Height requirement met: %dpx >= %dpx", h, minH))
	} else {
		details = append(details, fmt.Sprintf("Height requirement NOT met: %dpx < %dpx", h, minH))
	}

	if w > highResMinExclusive && h > highResMinExclusive {
		score += highResPoints
		details = append(details, fmt.Sprintf("High resolution image detected: %dx%d", w, h))
	}

	if isGoodColorMode(mode) {
		score += colorModePoints
		details = append(details, fmt.Sprintf("Good color format: %s", mode))
	} else {
		details = append(details, fmt.Sprintf("Color format: %s", mode))
	}

	if w >= professionalWidth || h >= professionalHeight {
		score += professionalPoints
		details = append(details, fmt.Sprintf("Professional image dimensions: %dx%d", w, h))
	}

	final := min(max(score, 0), policy.MaxScore)
	threshold := p.Threshold()
	passed := final >= threshold

	log.Debug().
		Int("score", final).
		Int("threshold", threshold).
		Bool("passed", passed).
		Msg("policy score computed")

	return PolicyScore{
		Score:     final,
		Threshold: threshold,
		Passed:    passed,
		Details:   details,
	}
}
