package pipeline

import (
	"encoding/json"
	"fmt"
)

// Item is the canonical per-item descriptor carried by a job. Items are made
// self-describing at task start so no later stage has to re-resolve project
// context from a bare filename.
type Item struct {
	Filename      string `json:"filename"`
	ProjectId     *uint  `json:"projectId,omitempty"`
	ProjectFolder string `json:"projectFolder,omitempty"`
	ProjectName   string `json:"projectName,omitempty"`
}

// ItemRef is what callers hand to StartTask: either a bare filename
// (JSON string shorthand) or a partial descriptor (JSON object). It decodes
// into the canonical Item immediately so downstream code never branches on
// shape again.
type ItemRef struct {
	item Item
}

func FilenameRef(filename string) ItemRef {
	return ItemRef{item: Item{Filename: filename}}
}

func DescriptorRef(item Item) ItemRef {
	return ItemRef{item: item}
}

func (r *ItemRef) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var filename string
		if err := json.Unmarshal(data, &filename); err != nil {
			return fmt.Errorf("error parsing item filename: %w", err)
		}
		r.item = Item{Filename: filename}
		return nil
	}

	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return fmt.Errorf("error parsing item descriptor: %w", err)
	}
	r.item = item
	return nil
}

func (r ItemRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.item)
}

// normalizeItems resolves refs into canonical items, merging the ambient
// project identity into items that do not carry their own. An item with an
// explicit ProjectId is left untouched.
func normalizeItems(refs []ItemRef, defaults *Item) []Item {
	items := make([]Item, 0, len(refs))
	for _, ref := range refs {
		item := ref.item
		if item.ProjectId == nil && defaults != nil {
			item.ProjectId = defaults.ProjectId
			item.ProjectFolder = defaults.ProjectFolder
			item.ProjectName = defaults.ProjectName
		}
		items = append(items, item)
	}
	return items
}
