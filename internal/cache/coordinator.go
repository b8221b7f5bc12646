package cache

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/nroduit/viewer-hub-sub002/internal/metrics"
	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL          = 3 * time.Minute
	DefaultBuildTimeout = 2 * time.Minute
	DefaultPollInterval = 200 * time.Millisecond
)

// Outcome tells a caller how its manifest was obtained
type Outcome string

const (
	// OutcomeHit means a completed entry was found in the store
	OutcomeHit Outcome = "hit"
	// OutcomeShared means the caller joined a build started by someone else
	OutcomeShared Outcome = "shared"
	// OutcomeBuilt means the caller ran the build
	OutcomeBuilt Outcome = "built"
)

// BuildFunc produces the manifest of one fingerprint
type BuildFunc func(ctx context.Context) (*models.Manifest, error)

// BuildFailedError is returned to the builder and every waiter when a build
// panicked
type BuildFailedError struct {
	Fingerprint string
	Panic       any
	Err         error
}

func (e *BuildFailedError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("manifest build %s panicked: %v", e.Fingerprint, e.Panic)
	}
	return fmt.Sprintf("manifest build %s failed: %v", e.Fingerprint, e.Err)
}

func (e *BuildFailedError) Unwrap() error {
	return e.Err
}

// CoordinatorConfig holds the cache timings. Zero values take the defaults;
// WaitTimeout defaults to BuildTimeout.
type CoordinatorConfig struct {
	TTL          time.Duration
	BuildTimeout time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// Coordinator guarantees that at most one build per fingerprint runs at a
// time, in this process through singleflight and across replicas through an
// in-progress marker in the store
type Coordinator struct {
	store   Store
	codec   Codec
	metrics *metrics.Metrics
	group   singleflight.Group
	// owner is the marker value of this replica
	owner string

	ttl          time.Duration
	buildTimeout time.Duration
	waitTimeout  time.Duration
	pollInterval time.Duration
}

// NewCoordinator creates a coordinator over store. A nil store disables
// caching: concurrent builds are still shared within the process.
func NewCoordinator(store Store, m *metrics.Metrics, config CoordinatorConfig) *Coordinator {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.BuildTimeout <= 0 {
		config.BuildTimeout = DefaultBuildTimeout
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = config.BuildTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	return &Coordinator{
		store:        store,
		codec:        JSONCodec{},
		metrics:      m,
		owner:        uuid.NewString(),
		ttl:          config.TTL,
		buildTimeout: config.BuildTimeout,
		waitTimeout:  config.WaitTimeout,
		pollInterval: config.PollInterval,
	}
}

type result struct {
	manifest *models.Manifest
	outcome  Outcome
}

// GetOrBuild returns the cached manifest of fingerprint, or joins the running
// build, or runs build. The build itself is detached from ctx: a caller that
// goes away gets ctx.Err() while the build completes for the others and is
// cached. Failed builds are not cached.
func (c *Coordinator) GetOrBuild(ctx context.Context, fingerprint string, build BuildFunc) (*models.Manifest, Outcome, error) {
	if m, ok := c.lookup(ctx, fingerprint); ok {
		c.metrics.IncrementCacheLookup(true)
		return m, OutcomeHit, nil
	}
	c.metrics.IncrementCacheLookup(false)

	// only the caller whose function runs is the builder
	ran := false
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(fingerprint, func() (any, error) {
		ran = true
		return c.run(detached, fingerprint, build)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, "", res.Err
		}
		r := res.Val.(result)
		if !ran {
			return r.manifest, OutcomeShared, nil
		}
		return r.manifest, r.outcome, nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// run executes a build under the distributed marker
func (c *Coordinator) run(ctx context.Context, fingerprint string, build BuildFunc) (result, error) {
	// a replica may have completed the entry after our lookup
	if m, ok := c.lookup(ctx, fingerprint); ok {
		return result{manifest: m, outcome: OutcomeShared}, nil
	}

	if c.store == nil {
		return c.build(ctx, fingerprint, build)
	}

	marker := MarkerKey(fingerprint)
	acquired, err := c.store.SetIfAbsent(ctx, marker, []byte(c.owner), c.buildTimeout)
	if err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Failed to write build marker, building anyway")
		acquired = false
	} else if !acquired {
		if m, ok := c.await(ctx, fingerprint); ok {
			return result{manifest: m, outcome: OutcomeShared}, nil
		}
		acquired, _ = c.store.SetIfAbsent(ctx, marker, []byte(c.owner), c.buildTimeout)
	}
	if acquired {
		defer func() {
			// the marker may have expired and been taken over by another replica
			released, err := c.store.DeleteIfValue(ctx, marker, []byte(c.owner))
			if err != nil {
				log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Failed to clear build marker")
			} else if !released {
				log.Warn().Str("fingerprint", fingerprint).Str("owner", c.owner).Msg("Build marker expired before the build finished")
			}
		}()
	}

	r, err := c.build(ctx, fingerprint, build)
	if err != nil {
		return result{}, err
	}
	c.save(ctx, fingerprint, r.manifest)
	return r, nil
}

func (c *Coordinator) build(ctx context.Context, fingerprint string, build BuildFunc) (result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.buildTimeout)
	defer cancel()

	m, err := c.safeBuild(ctx, fingerprint, build)
	if err != nil {
		return result{}, err
	}
	// the builder hands the manifest over: from here on it is shared
	m.InProgress = false
	return result{manifest: m, outcome: OutcomeBuilt}, nil
}

func (c *Coordinator) safeBuild(ctx context.Context, fingerprint string, build BuildFunc) (m *models.Manifest, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("fingerprint", fingerprint).
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("Manifest build panicked")
			m, err = nil, &BuildFailedError{Fingerprint: fingerprint, Panic: p}
		}
	}()

	m, err = build(ctx)
	if err == nil && m == nil {
		err = &BuildFailedError{Fingerprint: fingerprint, Err: errors.New("build returned no manifest")}
	}
	return m, err
}

// await polls the store while another replica holds the marker. ok is false
// when the marker went away without an entry or the wait timed out.
func (c *Coordinator) await(ctx context.Context, fingerprint string) (*models.Manifest, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.waitTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Warn().Str("fingerprint", fingerprint).Msg("Timed out waiting for a remote build")
			return nil, false
		case <-ticker.C:
			if m, ok := c.lookup(ctx, fingerprint); ok {
				return m, true
			}
			building, err := c.store.Exists(ctx, MarkerKey(fingerprint))
			if err == nil && !building {
				return nil, false
			}
		}
	}
}

func (c *Coordinator) lookup(ctx context.Context, fingerprint string) (*models.Manifest, bool) {
	if c.store == nil {
		return nil, false
	}
	b, err := c.store.Get(ctx, ManifestKey(fingerprint))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Cache lookup failed")
		}
		return nil, false
	}
	m, err := c.codec.Decode(b)
	if err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Dropping unreadable cache entry")
		_ = c.store.Delete(ctx, ManifestKey(fingerprint))
		return nil, false
	}
	return m, true
}

func (c *Coordinator) save(ctx context.Context, fingerprint string, m *models.Manifest) {
	b, err := c.codec.Encode(m)
	if err == nil {
		err = c.store.Set(ctx, ManifestKey(fingerprint), b, c.ttl)
	}
	if err != nil {
		log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Failed to cache manifest")
	}
}

// Invalidate drops the entry of one fingerprint
func (c *Coordinator) Invalidate(ctx context.Context, fingerprint string) error {
	if c.store == nil {
		return nil
	}
	return c.store.Delete(ctx, ManifestKey(fingerprint))
}

// InvalidateAll drops every cached manifest. Running builds are not affected.
func (c *Coordinator) InvalidateAll(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	return c.store.Clear(ctx, manifestPrefix+"*")
}
