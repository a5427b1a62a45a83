package emotes

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/twitchapi"
)

const defaultFetchTimeout = 5 * time.Second

// Aggregator builds per-channel indexes from an ordered provider list.
//
// Precedence: every provider's global set is applied first, in provider
// order, then every channel set, in provider order. Later writes win, so a
// channel emote shadows a global one and, within the same kind, the later
// provider in the list wins.
type Aggregator struct {
	Providers    []Provider
	FetchTimeout time.Duration
	// GlobalTTL caches successful global sets; zero disables caching.
	GlobalTTL time.Duration
	Clock     clockwork.Clock

	mu      sync.Mutex
	globals map[string]cachedSet
	sf      singleflight.Group
}

type cachedSet struct {
	emotes  []Emote
	fetched time.Time
}

// NewAggregator returns an aggregator over providers.
func NewAggregator(providers []Provider, fetchTimeout, globalTTL time.Duration) *Aggregator {
	return &Aggregator{Providers: providers, FetchTimeout: fetchTimeout, GlobalTTL: globalTTL}
}

func (a *Aggregator) clock() clockwork.Clock {
	if a.Clock == nil {
		return clockwork.NewRealClock()
	}
	return a.Clock
}

func (a *Aggregator) timeout() time.Duration {
	if a.FetchTimeout <= 0 {
		return defaultFetchTimeout
	}
	return a.FetchTimeout
}

// BuildIndex fetches every provider's channel and global sets concurrently
// and merges them. Failed requests contribute nothing; the result is never nil.
func (a *Aggregator) BuildIndex(ctx context.Context, ch twitchapi.Channel) *Index {
	ctx, span := telemetry.StartSpan(ctx, "emotes", "emotes.build_index", telemetry.ChannelAttr(ch.Login), telemetry.ChannelIDAttr(ch.ID))
	defer span.End()

	n := len(a.Providers)
	channelSets := make([][]Emote, n)
	globalSets := make([][]Emote, n)

	var g errgroup.Group
	for i, p := range a.Providers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, a.timeout())
			defer cancel()
			set, err := p.ChannelEmotes(cctx, ch.ID)
			if err != nil {
				a.fetchFailed(ctx, p.Name(), KindChannel, err)
				return nil
			}
			channelSets[i] = set
			return nil
		})
		g.Go(func() error {
			set, err := a.global(ctx, p)
			if err != nil {
				a.fetchFailed(ctx, p.Name(), KindGlobal, err)
				return nil
			}
			globalSets[i] = set
			return nil
		})
	}
	_ = g.Wait()

	idx := Merge(append(globalSets, channelSets...)...)
	telemetry.ObserveIndexSize(idx.Len())
	telemetry.SetSpanSuccess(span)
	telemetry.LoggerWithCorr(ctx).Debug("emote index built",
		slog.String("channel", ch.Login), slog.Int("emotes", idx.Len()))
	return idx
}

func (a *Aggregator) fetchFailed(ctx context.Context, provider, kind string, err error) {
	telemetry.IncEmoteFetchFailure(provider, kind)
	telemetry.LoggerWithCorr(ctx).Warn("emote fetch failed",
		slog.String("provider", provider), slog.String("kind", kind), slog.Any("err", err))
}

// global returns p's global set from cache or a single shared fetch.
func (a *Aggregator) global(ctx context.Context, p Provider) ([]Emote, error) {
	name := p.Name()
	if a.GlobalTTL > 0 {
		a.mu.Lock()
		c, ok := a.globals[name]
		a.mu.Unlock()
		if ok && a.clock().Since(c.fetched) < a.GlobalTTL {
			return c.emotes, nil
		}
	}
	v, err, _ := a.sf.Do(name, func() (any, error) {
		gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout())
		defer cancel()
		set, err := p.GlobalEmotes(gctx)
		if err != nil {
			return nil, err
		}
		if a.GlobalTTL > 0 {
			a.mu.Lock()
			if a.globals == nil {
				a.globals = make(map[string]cachedSet)
			}
			a.globals[name] = cachedSet{emotes: set, fetched: a.clock().Now()}
			a.mu.Unlock()
		}
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Emote), nil
}
