package providers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ContentPart is one element of a structured message content array.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL is the OpenAI image reference shape.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Content is a message body that is either a plain string or an array of
// typed parts. The zero value is an empty string.
type Content struct {
	Text  string
	Parts []ContentPart
}

// TextContent wraps s as string content.
func TextContent(s string) Content { return Content{Text: s} }

// IsStructured reports whether the content arrived as a parts array.
func (c Content) IsStructured() bool { return c.Parts != nil }

// String flattens the content to text. Text parts are joined with a
// newline; non-text parts are dropped.
func (c Content) String() string {
	if c.Parts == nil {
		return c.Text
	}
	texts := make([]string, 0, len(c.Parts))
	for _, p := range c.Parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// HasImages reports whether any part is an image.
func (c Content) HasImages() bool {
	for _, p := range c.Parts {
		if p.Type == "image_url" || p.ImageURL != nil {
			return true
		}
	}
	return false
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Content{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
		return nil
	case data[0] == '[':
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		if parts == nil {
			parts = []ContentPart{}
		}
		*c = Content{Parts: parts}
		return nil
	default:
		return fmt.Errorf("providers: message content must be a string or an array")
	}
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}
