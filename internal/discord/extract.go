package discord

import (
	"context"
	"strings"
)

// Kind classifies an attachment by filename extension.
type Kind int

const (
	KindUnknown Kind = iota
	KindImage
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

var (
	audioExts = []string{".mp3", ".wav", ".m4a", ".aac", ".mp4"}
	imageExts = []string{".jpg", ".jpeg", ".png", ".webp"}
)

func kindOf(filename string) Kind {
	name := strings.ToLower(filename)
	for _, ext := range audioExts {
		if strings.HasSuffix(name, ext) {
			return KindAudio
		}
	}
	for _, ext := range imageExts {
		if strings.HasSuffix(name, ext) {
			return KindImage
		}
	}
	return KindUnknown
}

// MediaPair is the 4+4 attachment split produced by ExtractPair.
type MediaPair struct {
	Images []string
	Audios []string
}

// ExtractPair resolves a message link whose message must carry exactly
// 8 attachments splitting into 4 audio + 4 image files.
//
// Both lists are returned reversed relative to the API order. The upstream
// bot attaches newest-first and the webhook consumer depends on that
// convention; do not "fix" it.
func (c *Client) ExtractPair(ctx context.Context, link string) (MediaPair, error) {
	channelID, messageID, err := ParseLink(link)
	if err != nil {
		return MediaPair{}, err
	}
	atts, err := c.messageAttachments(ctx, channelID, messageID)
	if err != nil {
		return MediaPair{}, err
	}

	if len(atts) != 8 {
		return MediaPair{}, countErrorf("message must have exactly 8 attachments (4 audio + 4 images), found %d", len(atts))
	}

	var audios, images []string
	for _, a := range atts {
		switch kindOf(a.Filename) {
		case KindAudio:
			audios = append(audios, a.URL)
		case KindImage:
			images = append(images, a.URL)
		}
	}
	if len(audios) != 4 || len(images) != 4 {
		return MediaPair{}, countErrorf("message must have exactly 4 audio and 4 image files, found %d audio and %d images", len(audios), len(images))
	}

	reverse(audios)
	reverse(images)
	return MediaPair{Images: images, Audios: audios}, nil
}

// ExtractSet resolves a message link whose message must carry exactly
// 4 attachments, all of the requested kind. Returned reversed, same
// convention as ExtractPair.
func (c *Client) ExtractSet(ctx context.Context, link string, kind Kind) ([]string, error) {
	channelID, messageID, err := ParseLink(link)
	if err != nil {
		return nil, err
	}
	atts, err := c.messageAttachments(ctx, channelID, messageID)
	if err != nil {
		return nil, err
	}

	if len(atts) != 4 {
		return nil, countErrorf("message must have exactly 4 attachments, found %d", len(atts))
	}

	urls := make([]string, 0, 4)
	for _, a := range atts {
		if kindOf(a.Filename) != kind {
			return nil, countErrorf("message must contain only %s files, found %q", kind, a.Filename)
		}
		urls = append(urls, a.URL)
	}

	reverse(urls)
	return urls, nil
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
