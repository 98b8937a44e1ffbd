// Package lm abstracts the language model behind two narrow calls:
// understanding (text -> intent) and SQL generation (intent -> statement).
// Both calls recover from any model failure through deterministic
// fallbacks; a missing model is a supported runtime state, not an error.
package lm

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dilsor/dilsor/core/internal/nlp"
)

// CompletionRequest is a single prompt sent to the model.
type CompletionRequest struct {
	Model       string
	Prompt      string
	Temperature float64
	TopP        float64
	MaxTokens   int
	Stop        []string
}

// LanguageModel is the capability the core depends on. Implementations must
// honour ctx cancellation.
type LanguageModel interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Config carries the generation knobs. Zero values fall back to defaults.
type Config struct {
	ModelUnderstand       string
	ModelSQL              string
	TemperatureUnderstand float64
	TemperatureSQL        float64
	TopP                  float64
	Timeout               time.Duration
	MaxTokensUnderstand   int
	MaxTokensSQL          int
}

func (c Config) withDefaults() Config {
	if c.TemperatureUnderstand == 0 {
		c.TemperatureUnderstand = 0.1
	}
	if c.TopP == 0 {
		c.TopP = 0.95
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxTokensUnderstand == 0 {
		c.MaxTokensUnderstand = 300
	}
	if c.MaxTokensSQL == 0 {
		c.MaxTokensSQL = 100
	}
	return c
}

// sqlStopSequences ends SQL generation at the statement boundary.
var sqlStopSequences = []string{";", "\n\n", "Schema:", "Task:", "Write"}

// Adapter wraps a LanguageModel with defensive parsing and fallbacks. It is
// stateless across calls and safe for concurrent use.
type Adapter struct {
	lm  LanguageModel
	cfg Config
	log *zap.Logger
}

// NewAdapter builds an adapter. A nil model switches both calls to their
// deterministic template paths.
func NewAdapter(model LanguageModel, cfg Config, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{lm: model, cfg: cfg.withDefaults(), log: log}
}

// Enabled reports whether a language model is wired in.
func (a *Adapter) Enabled() bool { return a.lm != nil }

// Understand turns free text into an Intent. The model response is parsed
// defensively; any failure falls back to the rule-based parser. Pattern
// enrichments are always applied before returning.
func (a *Adapter) Understand(ctx context.Context, text, adaptiveCtx string) nlp.Intent {
	norm := nlp.Normalize(text)
	enr := nlp.Detect(norm)

	in, ok := a.understandLM(ctx, text, adaptiveCtx)
	if !ok {
		in = nlp.RuleParse(norm)
	}
	return enr.Apply(in.Sanitize())
}

func (a *Adapter) understandLM(ctx context.Context, text, adaptiveCtx string) (nlp.Intent, bool) {
	if a.lm == nil {
		return nlp.Intent{}, false
	}

	cctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	resp, err := a.lm.Complete(cctx, CompletionRequest{
		Model:       a.cfg.ModelUnderstand,
		Prompt:      understandPrompt(text, adaptiveCtx),
		Temperature: a.cfg.TemperatureUnderstand,
		TopP:        a.cfg.TopP,
		MaxTokens:   a.cfg.MaxTokensUnderstand,
	})
	if err != nil {
		a.log.Debug("lm understand failed, using rule parser", zap.Error(err))
		return nlp.Intent{}, false
	}

	in, err := DecodeIntent(resp)
	if err != nil {
		a.log.Debug("lm response unparseable, using rule parser", zap.Error(err))
		return nlp.Intent{}, false
	}
	in.Metadata = map[string]string{"parser": "lm"}
	return in, true
}

// GenerateSQL produces one SELECT statement for the intent. The model path
// runs at temperature 0 with stop sequences; on any failure the adapter
// composes the statement deterministically from the SQLSpec instead. The
// returned string always went through Clean.
func (a *Adapter) GenerateSQL(ctx context.Context, in nlp.Intent, spec SQLSpec, schemaCtx, adaptiveCtx string) string {
	if a.lm != nil {
		cctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		resp, err := a.lm.Complete(cctx, CompletionRequest{
			Model:       a.cfg.ModelSQL,
			Prompt:      sqlPrompt(in, spec, schemaCtx, adaptiveCtx),
			Temperature: a.cfg.TemperatureSQL,
			TopP:        a.cfg.TopP,
			MaxTokens:   a.cfg.MaxTokensSQL,
			Stop:        sqlStopSequences,
		})
		if err == nil {
			if sql := Clean(resp); sql != "" {
				return sql
			}
		} else {
			a.log.Debug("lm sql generation failed, composing from template", zap.Error(err))
		}
	}
	return Clean(Compose(spec))
}

// joinHint summarises the C7 join-pattern tag for the prompt.
func joinHint(in nlp.Intent) string {
	tag := in.Metadata["join_pattern"]
	if tag == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("Join hint: ")
	switch tag {
	case "max_aggregation":
		b.WriteString("join the tables, aggregate the metric, order descending and keep the top rows")
	case "per_group":
		b.WriteString("aggregate the metric per group using JOIN and GROUP BY")
	case "group_by_segment":
		b.WriteString("group results by the segment column")
	case "performance_analysis":
		b.WriteString("aggregate key metrics per entity with GROUP BY")
	case "revenue_source":
		b.WriteString("sum revenue per source and order descending")
	default:
		b.WriteString(tag)
	}
	if g := in.Metadata["join_groups"]; g != "" {
		b.WriteString(" (" + g + ")")
	}
	return b.String()
}
