package client

import (
	"context"
	"net/url"

	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// AcupunctureClient covers the LLM-free point endpoints.
type AcupunctureClient struct {
	client *Client
}

// AnnotatedPoint is a point with its display annotation.
type AnnotatedPoint struct {
	note.FlatPoint
	Annotation string `json:"annotation,omitempty"`
	Display    string `json:"display"`
}

// AnnotatedRegion is one region returned by Regions.
type AnnotatedRegion struct {
	Region note.RegionName  `json:"region"`
	Points []AnnotatedPoint `json:"points"`
}

// Classification is the server's classification of one point name.
type Classification struct {
	Name    string          `json:"name"`
	Region  note.RegionName `json:"region"`
	Channel string          `json:"channel,omitempty"`
	Index   int             `json:"index,omitempty"`
	Extra   bool            `json:"extra,omitempty"`
	Series  string          `json:"series,omitempty"`
	Miss    string          `json:"miss,omitempty"`
}

// ChannelRange is one index range of a channel.
type ChannelRange struct {
	Start  int             `json:"start"`
	End    int             `json:"end"`
	Region note.RegionName `json:"region"`
}

type regionsRequest struct {
	Points      []note.FlatPoint `json:"points"`
	DefaultSide note.Side        `json:"defaultSide"`
}

// Regions groups an edited point list by region.
func (a *AcupunctureClient) Regions(ctx context.Context, points []note.FlatPoint, defaultSide note.Side) ([]AnnotatedRegion, error) {
	var out struct {
		Regions []AnnotatedRegion `json:"regions"`
	}
	if _, err := a.client.post(ctx, "/api/v1/acupuncture/regions", regionsRequest{Points: points, DefaultSide: defaultSide}, &out); err != nil {
		return nil, err
	}
	return out.Regions, nil
}

func (a *AcupunctureClient) Classify(ctx context.Context, point string) (*Classification, error) {
	var out Classification
	if err := a.client.get(ctx, "/api/v1/acupuncture/classify?point="+url.QueryEscape(point), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Channels returns the channel table keyed by channel code.
func (a *AcupunctureClient) Channels(ctx context.Context) (map[string][]ChannelRange, error) {
	out := map[string][]ChannelRange{}
	if err := a.client.get(ctx, "/api/v1/acupuncture/channels", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ICDClient covers the ICD-10 whitelist.
type ICDClient struct {
	client *Client
}

// WhitelistEntry is one whitelisted symptom.
type WhitelistEntry struct {
	Phrase   string   `json:"phrase"`
	Code     string   `json:"code"`
	Label    string   `json:"label"`
	Synonyms []string `json:"synonyms,omitempty"`
}

// Resolve returns the code for phrase.  A miss is an *APIError with
// IsNotFound true.
func (i *ICDClient) Resolve(ctx context.Context, phrase string) (*note.ICDCode, error) {
	var out note.ICDCode
	if err := i.client.get(ctx, "/api/v1/icd?phrase="+url.QueryEscape(phrase), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (i *ICDClient) Whitelist(ctx context.Context) ([]WhitelistEntry, error) {
	var out struct {
		Items []WhitelistEntry `json:"items"`
	}
	if err := i.client.get(ctx, "/api/v1/icd/whitelist", &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}
