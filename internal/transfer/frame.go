// Package transfer moves one file at a time across a transport session.
// The first message of a transfer is a JSON metadata frame sent as text.
// Every following message is raw file content.
package transfer

import (
	"bytes"
	"encoding/json"
)

type Metadata struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type metadataFrame struct {
	Meta Metadata `json:"meta"`
}

// EncodeMetadata renders {"meta":{"name":...,"size":...}}.
func EncodeMetadata(m Metadata) ([]byte, error) {
	return json.Marshal(metadataFrame{Meta: m})
}

// DecodeMetadata reports whether data is a metadata frame. Anything that
// is not a JSON object with a "meta" object holding a non-negative size is
// file content.
func DecodeMetadata(data []byte) (Metadata, bool) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Metadata{}, false
	}

	var frame struct {
		Meta json.RawMessage `json:"meta"`
	}
	if err := json.Unmarshal(trimmed, &frame); err != nil {
		return Metadata{}, false
	}

	meta := bytes.TrimLeft(frame.Meta, " \t\r\n")
	if len(meta) == 0 || meta[0] != '{' {
		return Metadata{}, false
	}

	var fields struct {
		Name string `json:"name"`
		Size *int64 `json:"size"`
	}
	if err := json.Unmarshal(meta, &fields); err != nil {
		return Metadata{}, false
	}
	if fields.Size == nil || *fields.Size < 0 {
		return Metadata{}, false
	}

	return Metadata{Name: fields.Name, Size: *fields.Size}, true
}
