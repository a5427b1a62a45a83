package emotes

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

const (
	// DefaultSevenTVURL is the 7TV v3 API root.
	DefaultSevenTVURL = "https://7tv.io/v3"
	// SevenTVGlobalSet is the id of 7TV's global emote set.
	SevenTVGlobalSet = "62cdd34e72a832540de95857"
)

// SevenTV fetches a channel's active 7TV emote set and the global set.
type SevenTV struct {
	BaseURL     string
	GlobalSetID string
	HTTPClient  *http.Client
}

type stvEmote struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Data struct {
		Name string `json:"name"`
	} `json:"data"`
}

type stvSet struct {
	ID     string     `json:"id"`
	Emotes []stvEmote `json:"emotes"`
}

type stvUser struct {
	EmoteSet *stvSet `json:"emote_set"`
}

func (s *SevenTV) Name() string { return "7tv" }

func (s *SevenTV) base() string {
	if s.BaseURL != "" {
		return strings.TrimRight(s.BaseURL, "/")
	}
	return DefaultSevenTVURL
}

func (s *SevenTV) ChannelEmotes(ctx context.Context, channelID string) ([]Emote, error) {
	var u stvUser
	if err := getJSON(ctx, s.HTTPClient, s.base()+"/users/twitch/"+channelID, &u); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, &ProviderError{Provider: s.Name(), Kind: KindChannel, Err: err}
	}
	if u.EmoteSet == nil {
		return nil, nil
	}
	return s.convert(u.EmoteSet.Emotes), nil
}

func (s *SevenTV) GlobalEmotes(ctx context.Context) ([]Emote, error) {
	id := s.GlobalSetID
	if id == "" {
		id = SevenTVGlobalSet
	}
	var set stvSet
	if err := getJSON(ctx, s.HTTPClient, s.base()+"/emote-sets/"+id, &set); err != nil {
		return nil, &ProviderError{Provider: s.Name(), Kind: KindGlobal, Err: err}
	}
	return s.convert(set.Emotes), nil
}

// convert uses the per-set alias when present, otherwise the emote's own name.
func (s *SevenTV) convert(src []stvEmote) []Emote {
	out := make([]Emote, 0, len(src))
	for _, e := range src {
		code := e.Name
		if code == "" {
			code = e.Data.Name
		}
		out = append(out, Emote{
			ID:       e.ID,
			Code:     code,
			URL:      "https://cdn.7tv.app/emote/" + e.ID + "/2x.webp",
			Provider: s.Name(),
		})
	}
	return out
}
