package build

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"git.home.luguber.info/inful/docpackd/internal/collab"
	"git.home.luguber.info/inful/docpackd/internal/diff"
	"git.home.luguber.info/inful/docpackd/internal/doccache"
	"git.home.luguber.info/inful/docpackd/internal/errors"
	"git.home.luguber.info/inful/docpackd/internal/logfields"
	"git.home.luguber.info/inful/docpackd/internal/state"
)

// placeholderDoc marks a symbol whose generation failed; it is surfaced in the
// archive and statistics but never written to the cache, so the next build
// retries the fingerprint.
const placeholderDoc = "Documentation could not be generated for this symbol. It will be retried on the next build."

// run executes one claimed job end to end. Every failure path funnels into a
// single terminal transition with a human-readable reason; a version is
// appended only on full success.
func (r *Runner) run(ctx context.Context, job state.Job) {
	started := time.Now()
	log := r.logger.With(logfields.JobID(job.ID))

	fail := func(stage string, err error) {
		reason := fmt.Sprintf("%s: %v", stage, err)
		if ctx.Err() != nil && stderrors.Is(err, ctx.Err()) {
			reason = fmt.Sprintf("canceled during %s: %v", stage, ctx.Err())
		}
		r.hub.Append(context.Background(), job.ID, "error", reason)
		r.hub.Close(job.ID)
		if ferr := r.ctrl.Fail(context.Background(), job.ID, reason); ferr != nil {
			log.Error("Failed to record job failure", logfields.Error(ferr))
		}
		r.recorder.IncJobOutcome("failed")
	}

	r.hub.Append(ctx, job.ID, "info", fmt.Sprintf("build started for %s@%s on %s",
		job.Repository, job.Commit, job.Branch))

	// Stage: extraction. One call per build; failure is fatal.
	stageStart := time.Now()
	symbols, err := r.extractor.Extract(ctx, job.Repository, job.Commit)
	if err != nil {
		fail("extraction", errors.ExtractionFailure(err, "extractor call failed"))
		return
	}
	r.recorder.ObserveStageDuration("extract", time.Since(stageStart))

	curr := make(map[string]string, len(symbols))
	payloads := make(map[string]string, len(symbols))
	for _, sym := range symbols {
		curr[sym.ID] = sym.Fingerprint
		payloads[sym.Fingerprint] = sym.Payload
	}
	r.hub.Append(ctx, job.ID, "info", fmt.Sprintf("extracted %d symbols", len(symbols)))

	// Stage: diff against the lineage head.
	headID, prev, err := r.lineage.HeadManifest(ctx, job.Repository, job.Branch)
	if err != nil {
		fail("lineage", err)
		return
	}
	result := diff.Classify(prev, curr)
	added, removed, unchanged, modified := result.Counts()
	r.hub.Append(ctx, job.ID, "info", fmt.Sprintf(
		"diff vs %s: %d unchanged, %d modified, %d added, %d removed",
		headOrNone(headID), unchanged, modified, added, removed))

	// Stage: resolve documentation per symbol.
	docs, failedGens, err := r.resolveDocs(ctx, job, curr, payloads, result, log)
	if err != nil {
		fail("generation", err)
		return
	}

	// Stage: package and upload. Idempotent per job id; bounded retries.
	stageStart = time.Now()
	archive := collab.Archive{
		JobID:      job.ID,
		Repository: job.Repository,
		Branch:     job.Branch,
		Commit:     job.Commit,
		Docs:       docs,
		Visibility: r.opts.Visibility,
	}
	var locator string
	err = r.opts.UploadRetry.Do(ctx, func(ctx context.Context) error {
		var serr error
		locator, serr = r.storage.Store(ctx, archive)
		if serr != nil {
			r.hub.Append(ctx, job.ID, "warn", fmt.Sprintf("upload attempt failed: %v", serr))
		}
		return serr
	}, func(err error) bool { return ctx.Err() == nil })
	if err != nil {
		fail("upload", errors.UploadFailure(err, "storage upload exhausted retries"))
		return
	}
	r.recorder.ObserveStageDuration("upload", time.Since(stageStart))
	r.hub.Append(ctx, job.ID, "info", fmt.Sprintf("archive stored at %s", locator))

	stats := state.VersionStats{
		Unchanged:         unchanged,
		Modified:          modified,
		Added:             added,
		Removed:           removed,
		FailedGenerations: failedGens,
		CacheHitRate:      result.CacheHitRate(),
		Duration:          time.Since(started),
	}

	versionID, err := r.ctrl.Complete(context.Background(), job.ID, stats, curr)
	if err != nil {
		fail("finalize", err)
		return
	}

	r.hub.Append(context.Background(), job.ID, "info", fmt.Sprintf(
		"build completed: version %s, cache hit rate %.3f, %d generation failures",
		versionID, stats.CacheHitRate, failedGens))
	r.hub.Close(job.ID)
	r.recorder.IncJobOutcome("completed")
	r.recorder.ObserveJobDuration(stats.Duration)
	r.recorder.ObserveCacheHitRate(stats.CacheHitRate)

	// Lazy housekeeping; never affects the finished build.
	if err := r.cache.Prune(context.Background(), job.Repository); err != nil {
		log.Warn("Cache prune failed", logfields.Error(err))
	}
}

// resolveDocs produces the symbol id -> documentation map. Unchanged symbols
// are served from the cache; added and modified symbols are generated with at
// most one generator call per unique fingerprint. Per-fingerprint generation
// failures degrade to placeholders and never fail the job.
func (r *Runner) resolveDocs(ctx context.Context, job state.Job, curr map[string]string,
	payloads map[string]string, result diff.Result, log *slog.Logger) (map[string][]byte, int, error) {

	docs := make(map[string][]byte, len(curr))

	// Fingerprints that must be produced by the generator. Unchanged symbols
	// whose cache entry disappeared degrade to regeneration; the cache is an
	// optimization, not the source of truth.
	pending := make(map[string][]string) // fingerprint -> symbol ids

	for _, id := range result.Unchanged {
		fp := curr[id]
		payload, err := r.cache.Get(ctx, job.Repository, fp)
		switch {
		case err == nil:
			docs[id] = payload
			r.recorder.IncCacheHit()
		case stderrors.Is(err, doccache.ErrMiss):
			r.recorder.IncCacheMiss()
			r.hub.Append(ctx, job.ID, "warn", fmt.Sprintf(
				"cache entry missing for unchanged symbol %s, regenerating", id))
			pending[fp] = append(pending[fp], id)
		default:
			return nil, 0, err
		}
	}

	changed := make([]string, 0, len(result.Added)+len(result.Modified))
	changed = append(changed, result.Added...)
	changed = append(changed, result.Modified...)
	for _, id := range changed {
		fp := curr[id]
		// Within one build the generator runs at most once per fingerprint:
		// ids sharing content share the single result.
		if _, queued := pending[fp]; queued {
			pending[fp] = append(pending[fp], id)
			continue
		}
		payload, err := r.cache.Get(ctx, job.Repository, fp)
		switch {
		case err == nil:
			// Content already documented (e.g. a revert); reuse it.
			docs[id] = payload
			r.recorder.IncCacheHit()
		case stderrors.Is(err, doccache.ErrMiss):
			r.recorder.IncCacheMiss()
			pending[fp] = append(pending[fp], id)
		default:
			return nil, 0, err
		}
	}

	if len(pending) == 0 {
		return docs, 0, nil
	}

	fps := make([]string, 0, len(pending))
	for fp := range pending {
		fps = append(fps, fp)
	}
	sort.Strings(fps)

	r.hub.Append(ctx, job.ID, "info", fmt.Sprintf(
		"generating documentation for %d unique fingerprints", len(fps)))

	// Bounded-parallel fan-out: the semaphore caps concurrent generator
	// calls to protect the downstream service. Cancellation stops new calls;
	// in-flight calls finish or time out on their own context.
	results := make([]collab.GenerationResult, len(fps))
	sem := make(chan struct{}, r.opts.GeneratorConcurrency)
	var wg sync.WaitGroup
	for i, fp := range fps {
		if ctx.Err() != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(i int, fp string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = r.generator.Generate(ctx, collab.GenerationRequest{
				Fingerprint: fp,
				Payload:     payloads[fp],
			})
		}(i, fp)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, 0, errors.Canceled("generation fan-out interrupted").WithContext("cause", err.Error())
	}

	failedSymbols := 0
	for i, fp := range fps {
		res := results[i]
		ids := pending[fp]
		if res.Err != nil {
			failedSymbols += len(ids)
			r.recorder.IncGenerationFailure()
			r.hub.Append(ctx, job.ID, "warn", fmt.Sprintf(
				"generation failed for fingerprint %s (%d symbols): %v", fp, len(ids), res.Err))
			log.Warn("Generation failure recovered with placeholder",
				logfields.Fingerprint(fp), logfields.Error(res.Err))
			for _, id := range ids {
				docs[id] = []byte(placeholderDoc)
			}
			continue
		}
		for _, id := range ids {
			docs[id] = res.Doc
		}
		if err := r.cache.Put(ctx, job.Repository, fp, res.Doc, job.ID); err != nil {
			// A failed cache write costs a future regeneration, nothing more.
			log.Warn("Cache write failed", logfields.Fingerprint(fp), logfields.Error(err))
		}
	}

	return docs, failedSymbols, nil
}

func headOrNone(headID string) string {
	if headID == "" {
		return "empty lineage"
	}
	return "version " + headID
}
