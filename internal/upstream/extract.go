package upstream

import (
	"bytes"
	"encoding/json"
)

// Reply is the subset of chat-completion and image-generation responses
// the extractors look at.
type Reply struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
			Images  []struct {
				ImageURL struct {
					URL string `json:"url"`
				} `json:"image_url"`
			} `json:"images"`
		} `json:"message"`
	} `json:"choices"`
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`

	parts []ContentPart
}

// ContentPart is one element of a multi-part chat message.
type ContentPart struct {
	Type        string          `json:"type"`
	ImageURL    json.RawMessage `json:"image_url"`
	ImageBase64 string          `json:"image_base64"`
}

// Parts returns the content parts of the first choice. String content has
// no parts.
func (r *Reply) Parts() []ContentPart {
	if r.parts != nil || len(r.Choices) == 0 {
		return r.parts
	}
	raw := bytes.TrimSpace(r.Choices[0].Message.Content)
	if len(raw) == 0 || raw[0] != '[' {
		r.parts = []ContentPart{}
		return r.parts
	}
	if err := json.Unmarshal(raw, &r.parts); err != nil {
		r.parts = []ContentPart{}
	}
	return r.parts
}

// ImageResult is an image found in a reply.
type ImageResult struct {
	URL    string
	Source string
}

// Extractor finds an image in one known response shape.
type Extractor interface {
	Name() string
	Extract(r *Reply) (string, bool)
}

type extractorFunc struct {
	name string
	fn   func(r *Reply) (string, bool)
}

func (e extractorFunc) Name() string                    { return e.name }
func (e extractorFunc) Extract(r *Reply) (string, bool) { return e.fn(r) }

// NewExtractor adapts a function to Extractor.
func NewExtractor(name string, fn func(r *Reply) (string, bool)) Extractor {
	return extractorFunc{name: name, fn: fn}
}

// DefaultExtractors lists the known shapes in the order they are tried.
var DefaultExtractors = []Extractor{
	NewExtractor("chat_image_url", chatImageURLObject),
	NewExtractor("chat_image_string", chatImageURLString),
	NewExtractor("chat_image_base64", chatImageBase64),
	NewExtractor("chat_message_images", chatMessageImages),
	NewExtractor("images_url", imagesURL),
	NewExtractor("images_b64_json", imagesB64),
}

// ExtractImage runs extractors in order and returns the first match. With
// no extractors given it uses DefaultExtractors.
func ExtractImage(body []byte, extractors ...Extractor) (ImageResult, bool) {
	if len(extractors) == 0 {
		extractors = DefaultExtractors
	}
	var r Reply
	if err := json.Unmarshal(body, &r); err != nil {
		return ImageResult{}, false
	}
	for _, e := range extractors {
		if url, ok := e.Extract(&r); ok && url != "" {
			return ImageResult{URL: url, Source: e.Name()}, true
		}
	}
	return ImageResult{}, false
}

func dataURL(b64 string) string {
	return "data:image/png;base64," + b64
}

// {"type":"image_url","image_url":{"url":"..."}}
func chatImageURLObject(r *Reply) (string, bool) {
	for _, p := range r.Parts() {
		if p.Type != "image_url" {
			continue
		}
		var obj struct {
			URL string `json:"url"`
		}
		if json.Unmarshal(p.ImageURL, &obj) == nil && obj.URL != "" {
			return obj.URL, true
		}
	}
	return "", false
}

// {"type":"image","image_url":"..."}
func chatImageURLString(r *Reply) (string, bool) {
	for _, p := range r.Parts() {
		if p.Type != "image" {
			continue
		}
		var s string
		if json.Unmarshal(p.ImageURL, &s) == nil && s != "" {
			return s, true
		}
	}
	return "", false
}

// {"type":"image","image_base64":"..."}
func chatImageBase64(r *Reply) (string, bool) {
	for _, p := range r.Parts() {
		if p.Type == "image" && p.ImageBase64 != "" {
			return dataURL(p.ImageBase64), true
		}
	}
	return "", false
}

func chatMessageImages(r *Reply) (string, bool) {
	for _, c := range r.Choices {
		for _, img := range c.Message.Images {
			if img.ImageURL.URL != "" {
				return img.ImageURL.URL, true
			}
		}
	}
	return "", false
}

func imagesURL(r *Reply) (string, bool) {
	for _, d := range r.Data {
		if d.URL != "" {
			return d.URL, true
		}
	}
	return "", false
}

func imagesB64(r *Reply) (string, bool) {
	for _, d := range r.Data {
		if d.B64JSON != "" {
			return dataURL(d.B64JSON), true
		}
	}
	return "", false
}
