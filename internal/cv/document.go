package cv

import (
	"encoding/json"
	"strings"
)

const (
	// PersonalSectionKey names the document section holding personal details.
	PersonalSectionKey = "personal"
	// PhotoFieldKey names the photo reference inside the personal section.
	PhotoFieldKey = "photo"

	inlinePhotoPrefix = "data:"
)

// Document is the user's editable CV content: an arbitrary nested record of
// personal fields and repeated sections.
type Document map[string]any

// DecodeDocument parses a JSON object into a Document.
func DecodeDocument(payload string) (Document, error) {
	var document Document
	if err := json.Unmarshal([]byte(payload), &document); err != nil {
		return nil, err
	}
	if document == nil {
		document = Document{}
	}
	return document, nil
}

// Encode serializes the document as JSON.
func (document Document) Encode() (string, error) {
	if document == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(document)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Clone returns a deep copy of the document.
func (document Document) Clone() Document {
	if document == nil {
		return nil
	}
	cloned, _ := cloneValue(map[string]any(document)).(map[string]any)
	return Document(cloned)
}

// Photo returns the photo reference, inline blob or URL, or "" when absent.
func (document Document) Photo() string {
	section, ok := asMap(document[PersonalSectionKey])
	if !ok {
		return ""
	}
	photo, _ := section[PhotoFieldKey].(string)
	return photo
}

// HasInlinePhoto reports whether the photo field holds an inline-encoded blob.
func (document Document) HasInlinePhoto() bool {
	return IsInlinePhoto(document.Photo())
}

// WithPhoto returns a copy of the document carrying the given photo reference.
// An empty reference removes the field.
func (document Document) WithPhoto(photo string) Document {
	cloned := document.Clone()
	if cloned == nil {
		cloned = Document{}
	}
	section, ok := cloned[PersonalSectionKey].(map[string]any)
	if !ok {
		if photo == "" {
			return cloned
		}
		section = map[string]any{}
		cloned[PersonalSectionKey] = section
	}
	if photo == "" {
		delete(section, PhotoFieldKey)
		return cloned
	}
	section[PhotoFieldKey] = photo
	return cloned
}

// WithoutInlinePhoto returns a copy safe for remote transmission: inline blobs
// are dropped, URL references are kept.
func (document Document) WithoutInlinePhoto() Document {
	if !document.HasInlinePhoto() {
		return document.Clone()
	}
	return document.WithPhoto("")
}

// IsInlinePhoto reports whether a photo reference is an inline data URI.
func IsInlinePhoto(photo string) bool {
	return strings.HasPrefix(strings.TrimSpace(photo), inlinePhotoPrefix)
}

func asMap(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case Document:
		return map[string]any(typed), true
	default:
		return nil, false
	}
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		cloned := make(map[string]any, len(typed))
		for key, nested := range typed {
			cloned[key] = cloneValue(nested)
		}
		return cloned
	case Document:
		return cloneValue(map[string]any(typed))
	case []any:
		cloned := make([]any, len(typed))
		for index, nested := range typed {
			cloned[index] = cloneValue(nested)
		}
		return cloned
	case []map[string]any:
		cloned := make([]any, len(typed))
		for index, nested := range typed {
			cloned[index] = cloneValue(nested)
		}
		return cloned
	default:
		return typed
	}
}
