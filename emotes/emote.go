// Package emotes fetches third-party emote sets and merges them into a
// per-channel lookup keyed by the literal text code a chatter types.
package emotes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// Emote is one resolvable emote.
type Emote struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	URL      string `json:"url"`
	Provider string `json:"provider"`
}

// NativeProvider tags emotes that Twitch itself reports in message tags.
const NativeProvider = "twitch"

// NativeURL returns the static CDN image for a Twitch emote id.
func NativeURL(id string) string {
	return "https://static-cdn.jtvnw.net/emoticons/v2/" + id + "/static/light/2.0"
}

// Index maps codes to emotes. It is never mutated after construction, so
// any number of goroutines may read it.
type Index struct {
	byCode map[string]Emote
}

// Merge builds an Index from sets applied in order; a later set overwrites
// codes already present.
func Merge(sets ...[]Emote) *Index {
	n := 0
	for _, s := range sets {
		n += len(s)
	}
	idx := &Index{byCode: make(map[string]Emote, n)}
	for _, s := range sets {
		for _, e := range s {
			if e.Code == "" {
				continue
			}
			idx.byCode[e.Code] = e
		}
	}
	return idx
}

// Lookup returns the emote registered for code.
func (i *Index) Lookup(code string) (Emote, bool) {
	if i == nil {
		return Emote{}, false
	}
	e, ok := i.byCode[code]
	return e, ok
}

// Len reports the number of distinct codes.
func (i *Index) Len() int {
	if i == nil {
		return 0
	}
	return len(i.byCode)
}

// Codes returns every code in sorted order.
func (i *Index) Codes() []string {
	if i == nil {
		return nil
	}
	out := make([]string, 0, len(i.byCode))
	for c := range i.byCode {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Provider is one third-party emote source.
type Provider interface {
	Name() string
	ChannelEmotes(ctx context.Context, channelID string) ([]Emote, error)
	GlobalEmotes(ctx context.Context) ([]Emote, error)
}

// Request kinds used in errors and metrics.
const (
	KindChannel = "channel"
	KindGlobal  = "global"
)

// ProviderError reports a failed provider request.
type ProviderError struct {
	Provider string
	Kind     string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("emotes: %s %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// errNotFound is returned by getJSON for a 404 so channel lookups can treat
// it as an empty set.
var errNotFound = errors.New("not found")

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// ProvidersByName builds providers in the given order. Recognised names are
// "bttv" and "7tv" (alias "seventv").
func ProvidersByName(names []string, client *http.Client) ([]Provider, error) {
	out := make([]Provider, 0, len(names))
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "bttv", "betterttv":
			out = append(out, &BTTV{HTTPClient: client})
		case "7tv", "seventv":
			out = append(out, &SevenTV{HTTPClient: client})
		case "":
		default:
			return nil, fmt.Errorf("emotes: unknown provider %q", n)
		}
	}
	return out, nil
}
