package governor

import (
	"context"
	"errors"
	"fmt"

	"repolm/internal/pool"
	"repolm/internal/stream"
	"repolm/internal/upstream"
)

// cachedReplayChunk is the slice size used when replaying a cached result
// through the stream, so consumers see the same incremental shape as a live
// generation.
const cachedReplayChunk = 2048

func repoKey(url string) string {
	return "repo:" + CacheKey(url)
}

// runIngest clones a repository and persists its collected text. The text is
// the input for every later generation against the same repository.
func (g *Governor) runIngest(ctx context.Context, job *pool.Job) ([]byte, error) {
	url := job.Params["url"]
	if url == "" {
		return nil, errors.New("missing url param")
	}

	ch := g.channel(job)
	key := repoKey(url)

	cached, err := g.lookup(ctx, key)
	if err != nil {
		g.closeWith(ch, err)
		return nil, err
	}
	if cached != nil {
		g.progress(ctx, job, "served from cache")
		if err := g.replayCached(ctx, job, ch, cached); err != nil {
			return nil, err
		}
		return cached, nil
	}

	text, err := g.ingester.Fetch(ctx, url, func(msg string) {
		g.progress(ctx, job, msg)
		g.emit(ctx, job, ch, stream.Chunk{Kind: stream.KindMeta, Data: []byte(msg)})
	})
	if err != nil {
		g.closeWith(ch, err)
		return nil, err
	}

	if err := g.persist(ctx, job, key, text); err != nil {
		g.closeWith(ch, err)
		return nil, err
	}

	summary := []byte(fmt.Sprintf(`{"bytes":%d}`, len(text)))
	g.emit(ctx, job, ch, stream.Chunk{Kind: stream.KindChunk, Data: summary})
	if ch != nil {
		ch.CloseDone()
	}
	return summary, nil
}

// runGenerate produces a learning artifact (overview, podcast script, slides,
// chat answer) from previously ingested repository text.
func (g *Governor) runGenerate(ctx context.Context, job *pool.Job) ([]byte, error) {
	url := job.Params["url"]
	genKind := job.Params["kind"]
	if url == "" || genKind == "" {
		return nil, errors.New("missing url or kind param")
	}
	depth := job.Params["depth"]
	expertise := job.Params["expertise"]

	ch := g.channel(job)
	key := "gen:" + CacheKey(url, genKind, depth, expertise)
	cacheable := genKind != "chat" // chat answers are never reused

	if cacheable {
		cached, err := g.lookup(ctx, key)
		if err != nil {
			g.closeWith(ch, err)
			return nil, err
		}
		if cached != nil {
			g.progress(ctx, job, "served from cache")
			if err := g.replayCached(ctx, job, ch, cached); err != nil {
				return nil, err
			}
			return cached, nil
		}
	}

	repoText, err := g.lookup(ctx, repoKey(url))
	if err != nil {
		g.closeWith(ch, err)
		return nil, err
	}
	if repoText == nil {
		err := fmt.Errorf("repository not ingested: %s", url)
		g.closeWith(ch, err)
		return nil, err
	}

	g.progress(ctx, job, "generation started")

	var full []byte
	err = g.client.InvokeStream(ctx, upstream.Request{
		Target: "llm",
		Kind:   genKind,
		Prompt: job.Params["prompt"],
		Input:  string(repoText),
	}, func(part upstream.Part) error {
		full = append(full, part.Content...)
		return g.emit(ctx, job, ch, stream.Chunk{Kind: stream.KindChunk, Data: part.Content})
	})
	if err != nil {
		g.closeWith(ch, err)
		return nil, err
	}

	if cacheable {
		if err := g.persist(ctx, job, key, full); err != nil {
			g.closeWith(ch, err)
			return nil, err
		}
	}
	g.progress(ctx, job, "generation finished")
	if ch != nil {
		ch.CloseDone()
	}
	return full, nil
}

// runAudio synthesizes audio for a previously generated script through the
// TTS upstream. The result payload is the raw audio.
func (g *Governor) runAudio(ctx context.Context, job *pool.Job) ([]byte, error) {
	text := job.Params["text"]
	ch := g.channel(job)

	if text == "" {
		sourceKey := job.Params["source_key"]
		if sourceKey == "" {
			return nil, errors.New("missing text or source_key param")
		}
		script, err := g.lookup(ctx, sourceKey)
		if err != nil {
			g.closeWith(ch, err)
			return nil, err
		}
		if script == nil {
			err := fmt.Errorf("no script at %s", sourceKey)
			g.closeWith(ch, err)
			return nil, err
		}
		text = string(script)
	}

	key := "audio:" + CacheKey(text, job.Params["voice"])
	cached, err := g.lookup(ctx, key)
	if err != nil {
		g.closeWith(ch, err)
		return nil, err
	}
	if cached != nil {
		g.progress(ctx, job, "served from cache")
		if err := g.replayCached(ctx, job, ch, cached); err != nil {
			return nil, err
		}
		return cached, nil
	}

	g.progress(ctx, job, "audio synthesis started")

	resp, err := g.client.Invoke(ctx, upstream.Request{
		Target: "tts",
		Kind:   "audio",
		Input:  text,
	})
	if err != nil {
		g.closeWith(ch, err)
		return nil, err
	}

	if err := g.persist(ctx, job, key, resp.Content); err != nil {
		g.closeWith(ch, err)
		return nil, err
	}

	g.progress(ctx, job, "audio synthesis finished")
	g.emit(ctx, job, ch, stream.Chunk{Kind: stream.KindMeta, Data: []byte(key)})
	if ch != nil {
		ch.CloseDone()
	}
	return resp.Content, nil
}

// replayCached streams a finished result as if it were being generated,
// prefixed with the cached marker.
func (g *Governor) replayCached(ctx context.Context, job *pool.Job, ch *stream.Channel, cached []byte) error {
	if err := g.emit(ctx, job, ch, stream.Chunk{Kind: stream.KindCached, Data: []byte("true")}); err != nil {
		return err
	}
	for off := 0; off < len(cached); off += cachedReplayChunk {
		end := off + cachedReplayChunk
		if end > len(cached) {
			end = len(cached)
		}
		if err := g.emit(ctx, job, ch, stream.Chunk{Kind: stream.KindChunk, Data: cached[off:end]}); err != nil {
			return err
		}
	}
	if ch != nil {
		ch.CloseDone()
	}
	return nil
}

func (g *Governor) closeWith(ch *stream.Channel, err error) {
	if ch != nil {
		ch.CloseWithError(err)
	}
}
