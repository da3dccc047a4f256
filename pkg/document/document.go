// Package document reads and writes the portable scene document: per-volume
// options with optional URLs, optional embedded volumes, mesh layers, the drawing
// layer and the engine option bag.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/tidwall/gjson"

	"freebrowse/pkg/engine"
)

// DecodeError reports a document that could not be read. Item is -1 for the
// document itself and the blob index for an embedded volume.
type DecodeError struct {
	Item int
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Item < 0 {
		return fmt.Sprintf("decode document: %v", e.Err)
	}
	return fmt.Sprintf("decode image blob %d: %v", e.Item, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Parse validates and decodes a document
func Parse(data []byte) (*engine.Document, error) {
	if !gjson.ValidBytes(data) {
		return nil, &DecodeError{Item: -1, Err: errors.New("invalid JSON")}
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, &DecodeError{Item: -1, Err: errors.New("document is not an object")}
	}
	for _, key := range []string{"imageOptionsArray", "encodedImageBlobs", "meshOptionsArray"} {
		if v := root.Get(key); v.Exists() && v.Type != gjson.Null && !v.IsArray() {
			return nil, &DecodeError{Item: -1, Err: fmt.Errorf("%s is not an array", key)}
		}
	}

	var doc engine.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &DecodeError{Item: -1, Err: err}
	}
	return &doc, nil
}

// ImageURLs returns the volume URLs as written in the document, index-aligned with
// ImageOptionsArray
func ImageURLs(doc *engine.Document) []string {
	urls := make([]string, len(doc.ImageOptionsArray))
	for i, o := range doc.ImageOptionsArray {
		urls[i] = o.URL
	}
	return urls
}

// ResolveLinked rewrites relative volume and mesh URLs against base, the location the
// document was read from. An empty base leaves the document unchanged.
func ResolveLinked(doc *engine.Document, base string) error {
	if base == "" {
		return nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return &DecodeError{Item: -1, Err: fmt.Errorf("parse base %q: %w", base, err)}
	}

	resolve := func(ref string) (string, error) {
		if ref == "" {
			return "", nil
		}
		u, err := url.Parse(ref)
		if err != nil {
			return "", err
		}
		if u.IsAbs() {
			return ref, nil
		}
		return b.ResolveReference(u).String(), nil
	}

	for i := range doc.ImageOptionsArray {
		resolved, err := resolve(doc.ImageOptionsArray[i].URL)
		if err != nil {
			return &DecodeError{Item: -1, Err: fmt.Errorf("image %d url: %w", i, err)}
		}
		doc.ImageOptionsArray[i].URL = resolved
	}
	for i := range doc.MeshOptionsArray {
		resolved, err := resolve(doc.MeshOptionsArray[i].URL)
		if err != nil {
			return &DecodeError{Item: -1, Err: fmt.Errorf("mesh %d url: %w", i, err)}
		}
		doc.MeshOptionsArray[i].URL = resolved
	}
	return nil
}
