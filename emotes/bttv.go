package emotes

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// DefaultBTTVURL is the BetterTTV API root.
const DefaultBTTVURL = "https://api.betterttv.net/3"

// BTTV fetches BetterTTV channel, shared and global emotes.
type BTTV struct {
	BaseURL    string
	HTTPClient *http.Client
}

type bttvEmote struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	ImageType string `json:"imageType"`
}

type bttvUser struct {
	ChannelEmotes []bttvEmote `json:"channelEmotes"`
	SharedEmotes  []bttvEmote `json:"sharedEmotes"`
}

func (b *BTTV) Name() string { return "bttv" }

func (b *BTTV) base() string {
	if b.BaseURL != "" {
		return strings.TrimRight(b.BaseURL, "/")
	}
	return DefaultBTTVURL
}

// ChannelEmotes returns the channel's own and shared emotes. A channel
// BetterTTV has never seen yields an empty set.
func (b *BTTV) ChannelEmotes(ctx context.Context, channelID string) ([]Emote, error) {
	var u bttvUser
	if err := getJSON(ctx, b.HTTPClient, b.base()+"/cached/users/twitch/"+channelID, &u); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, &ProviderError{Provider: b.Name(), Kind: KindChannel, Err: err}
	}
	out := make([]Emote, 0, len(u.ChannelEmotes)+len(u.SharedEmotes))
	out = b.convert(out, u.ChannelEmotes)
	return b.convert(out, u.SharedEmotes), nil
}

func (b *BTTV) GlobalEmotes(ctx context.Context) ([]Emote, error) {
	var list []bttvEmote
	if err := getJSON(ctx, b.HTTPClient, b.base()+"/cached/global", &list); err != nil {
		return nil, &ProviderError{Provider: b.Name(), Kind: KindGlobal, Err: err}
	}
	return b.convert(make([]Emote, 0, len(list)), list), nil
}

func (b *BTTV) convert(dst []Emote, src []bttvEmote) []Emote {
	for _, e := range src {
		ext := e.ImageType
		if ext == "" {
			ext = "png"
		}
		dst = append(dst, Emote{
			ID:       e.ID,
			Code:     e.Code,
			URL:      "https://cdn.betterttv.net/emote/" + e.ID + "/2x." + ext,
			Provider: b.Name(),
		})
	}
	return dst
}
