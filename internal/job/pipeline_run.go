package job

import (
	"context"

	"github.com/samcharles93/moondream/internal/pipeline"
)

type pipelineRun struct {
	p  *pipeline.Pipeline
	it *pipeline.Iterator
}

func (r *pipelineRun) Next() pipeline.Step { return r.it.Next() }
func (r *pipelineRun) Close()              { r.p.Close() }

// PipelineBuilder returns a BuildFunc that builds a pipeline from base with
// the request's prompt and image.
func PipelineBuilder(base pipeline.Options) BuildFunc {
	return func(ctx context.Context, req Request) (Run, error) {
		opts := base
		opts.Prompt = req.Prompt
		opts.ImagePath = req.ImagePath
		opts.Image = req.Image
		p, err := pipeline.Build(ctx, opts)
		if err != nil {
			return nil, err
		}
		return &pipelineRun{p: p, it: p.Iter()}, nil
	}
}
