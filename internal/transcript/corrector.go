package transcript

import (
	"context"
	"strings"

	"github.com/turnengine/turnengine/pkg/types"
)

// PipelineOption is a functional option for configuring a [CorrectionPipeline].
type PipelineOption func(*CorrectionPipeline)

// WithPhoneticMatcher attaches a [PhoneticMatcher] as the correction stage.
// When nil (the default), the stage is skipped entirely and Correct returns
// the transcript unchanged.
func WithPhoneticMatcher(m PhoneticMatcher) PipelineOption {
	return func(p *CorrectionPipeline) {
		p.phonetic = m
	}
}

// WithMaxWindow bounds the n-gram window size tried at each token position.
// The default is 3, wide enough for most multi-word proper nouns without
// making the O(tokens*window) scan expensive on long transcripts.
func WithMaxWindow(n int) PipelineOption {
	return func(p *CorrectionPipeline) {
		if n > 0 {
			p.maxWindow = n
		}
	}
}

// CorrectionPipeline is the phonetic-only correction implementation of
// [Pipeline], run synchronously between STT and the turn orchestrator.
//
// CorrectionPipeline is safe for concurrent use.
type CorrectionPipeline struct {
	phonetic  PhoneticMatcher
	maxWindow int
}

// Ensure CorrectionPipeline satisfies the Pipeline interface at compile time.
var _ Pipeline = (*CorrectionPipeline)(nil)

const defaultMaxWindow = 3

// NewPipeline constructs a [CorrectionPipeline] with the supplied options. By
// default the phonetic stage is disabled (nil); use [WithPhoneticMatcher] to
// activate it.
func NewPipeline(opts ...PipelineOption) *CorrectionPipeline {
	p := &CorrectionPipeline{maxWindow: defaultMaxWindow}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Correct applies the phonetic matcher (when configured) to transcript and
// returns a [CorrectedTranscript]. ctx is accepted for interface symmetry
// with a future I/O-bound stage; the phonetic stage itself never blocks.
func (p *CorrectionPipeline) Correct(
	ctx context.Context,
	t types.Transcript,
	entities []string,
) (*CorrectedTranscript, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &CorrectedTranscript{
		Original:    t,
		Corrected:   t.Text,
		Corrections: []Correction{},
	}

	if p.phonetic == nil || len(entities) == 0 {
		return result, nil
	}

	correctedText, corrections := p.applyPhonetic(t.Text, entities)
	result.Corrected = correctedText
	result.Corrections = append(result.Corrections, corrections...)
	return result, nil
}

// applyPhonetic scans text for windows of consecutive tokens that phonetically
// match a known entity, replacing matched windows with the canonical entity
// spelling.
//
// At each token position it tries windows from maxWindow tokens down to one,
// accepting the longest match so multi-word entities take precedence over a
// partial single-word match. Unmatched tokens pass through unchanged.
func (p *CorrectionPipeline) applyPhonetic(
	text string,
	entities []string,
) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var output []string
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		maxN := p.maxWindow
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			entity, conf, ok := p.phonetic.Match(window, entities)
			if !ok {
				continue
			}

			entityTokens := strings.Fields(entity)
			output = append(output, entityTokens...)
			corrections = append(corrections, Correction{
				Original:   window,
				Corrected:  entity,
				Confidence: conf,
				Method:     "phonetic",
			})
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	return strings.Join(output, " "), corrections
}
