package core

import "context"

// Tracer starts spans around pipeline stages. The default tracer records
// nothing; embedders plug in their own with OptionSetTrace.
type Tracer interface {
	Start(ctx context.Context, name string) (context.Context, Spaner)
}

// Spaner is one traced span.
type Spaner interface {
	SetAttributesString(attrs ...StringAttr)
	IsRecording() bool
	Error(err error)
	End()
}

// StringAttr is a span attribute.
type StringAttr struct {
	Name  string
	Value string
}

type nullTrace struct{}

func (nullTrace) Start(c context.Context, name string) (context.Context, Spaner) {
	return c, nullSpan{}
}

type nullSpan struct{}

func (nullSpan) SetAttributesString(attrs ...StringAttr) {}
func (nullSpan) IsRecording() bool                       { return false }
func (nullSpan) Error(err error)                         {}
func (nullSpan) End()                                    {}

// OptionSetTrace sets the tracer used around the question pipeline.
func OptionSetTrace(trace Tracer) Option {
	return func(e *engine) error {
		e.trace = trace
		return nil
	}
}

func (e *engine) spanStart(c context.Context, name string) (context.Context, Spaner) {
	return e.trace.Start(c, name)
}
