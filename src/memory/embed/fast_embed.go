//go:build fastembed

package embed

import (
	"context"
	"runtime"

	fastembed "github.com/anush008/fastembed-go"
)

// FastEmbedder runs a local ONNX embedding model via fastembed.
type FastEmbedder struct {
	m   *fastembed.FlagEmbedding
	dim int
	bs  int
}

func defaultFastEmbedOptions() *Options {
	return &Options{
		Model:     string(fastembed.BGESmallENV15),
		CacheDir:  ".fastembed",
		BatchSize: 64,
	}
}

func NewFastEmbedder(ctx context.Context, opt *Options) (Embedder, error) {
	var init *fastembed.InitOptions
	if opt != nil {
		init = &fastembed.InitOptions{
			Model:     fastembed.EmbeddingModel(opt.Model),
			CacheDir:  opt.CacheDir,
			MaxLength: opt.MaxLength,
		}
	}
	m, err := fastembed.NewFlagEmbedding(init)
	if err != nil {
		return nil, err
	}
	bs := 64
	if opt != nil && opt.BatchSize > 0 {
		bs = opt.BatchSize
	}
	if bs > 4*runtime.GOMAXPROCS(0) {
		bs = 4 * runtime.GOMAXPROCS(0)
	}
	return &FastEmbedder{m: m, dim: 384, bs: bs}, nil
}

func (e *FastEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.m.QueryEmbed(text)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, ErrNotSupported
	}
	return vecs, nil
}

func (e *FastEmbedder) Close() error {
	if e.m != nil {
		return e.m.Destroy()
	}
	return nil
}
