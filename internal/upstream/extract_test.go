package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractImage(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		url    string
		source string
	}{
		{
			name:   "content part image_url object",
			body:   `{"choices":[{"message":{"content":[{"type":"text","text":"hi"},{"type":"image_url","image_url":{"url":"https://img/a.png"}}]}}]}`,
			url:    "https://img/a.png",
			source: "chat_image_url",
		},
		{
			name:   "content part image with string url",
			body:   `{"choices":[{"message":{"content":[{"type":"image","image_url":"https://img/b.png"}]}}]}`,
			url:    "https://img/b.png",
			source: "chat_image_string",
		},
		{
			name:   "content part base64",
			body:   `{"choices":[{"message":{"content":[{"type":"image","image_base64":"QUJD"}]}}]}`,
			url:    "data:image/png;base64,QUJD",
			source: "chat_image_base64",
		},
		{
			name:   "message images",
			body:   `{"choices":[{"message":{"content":"here you go","images":[{"type":"image_url","image_url":{"url":"data:image/png;base64,Zm9v"}}]}}]}`,
			url:    "data:image/png;base64,Zm9v",
			source: "chat_message_images",
		},
		{
			name:   "images api url",
			body:   `{"created":1,"data":[{"url":"https://img/c.png"}]}`,
			url:    "https://img/c.png",
			source: "images_url",
		},
		{
			name:   "images api b64_json",
			body:   `{"created":1,"data":[{"b64_json":"WFla"}]}`,
			url:    "data:image/png;base64,WFla",
			source: "images_b64_json",
		},
		{
			name:   "object part wins over later shapes",
			body:   `{"choices":[{"message":{"content":[{"type":"image","image_base64":"QUJD"},{"type":"image_url","image_url":{"url":"https://img/first.png"}}]}}],"data":[{"url":"https://img/other.png"}]}`,
			url:    "https://img/first.png",
			source: "chat_image_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, ok := ExtractImage([]byte(tt.body))
			require.True(t, ok)
			assert.Equal(t, tt.url, img.URL)
			assert.Equal(t, tt.source, img.Source)
		})
	}
}

func TestExtractImageNoMatch(t *testing.T) {
	for _, body := range []string{
		`{"choices":[{"message":{"content":"just text"}}]}`,
		`{"choices":[{"message":{"content":[{"type":"text","text":"no image"}]}}]}`,
		`{"data":[]}`,
		`not json`,
		``,
	} {
		_, ok := ExtractImage([]byte(body))
		assert.False(t, ok, body)
	}
}

func TestExtractImageCustomExtractors(t *testing.T) {
	body := []byte(`{"data":[{"url":"https://img/c.png","b64_json":"QUJD"}]}`)
	only := NewExtractor("b64", imagesB64)

	img, ok := ExtractImage(body, only)
	require.True(t, ok)
	assert.Equal(t, "data:image/png;base64,QUJD", img.URL)
	assert.Equal(t, "b64", img.Source)
}

func TestParseUsage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Usage
		ok   bool
	}{
		{"full", `{"usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30}}`, Usage{10, 20, 30}, true},
		{"total derived", `{"usage":{"prompt_tokens":7,"completion_tokens":5}}`, Usage{7, 5, 12}, true},
		{"total only", `{"usage":{"total_tokens":42}}`, Usage{0, 0, 42}, true},
		{"no usage", `{"choices":[]}`, Usage{}, false},
		{"empty usage", `{"usage":{}}`, Usage{}, false},
		{"negative", `{"usage":{"prompt_tokens":-1,"completion_tokens":2}}`, Usage{}, false},
		{"not json", `oops`, Usage{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseUsage([]byte(tt.body))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
