package provider

import (
	"context"
	"net/url"
	"strings"

	"github.com/trackline/trackline/internal/network"
)

// oEmbed is the subset of the oEmbed response the providers read
type oEmbed struct {
	Title        string `json:"title"`
	AuthorName   string `json:"author_name"`
	ThumbnailURL string `json:"thumbnail_url"`
	ProviderName string `json:"provider_name"`
}

func fetchOEmbed(ctx context.Context, client *network.Client, endpoint, pageURL string) (*oEmbed, error) {
	q := url.Values{}
	q.Set("url", pageURL)
	q.Set("format", "json")

	var out oEmbed
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	if err := client.GetJSON(ctx, endpoint+sep+q.Encode(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}
