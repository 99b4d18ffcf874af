package domain

import "time"

// Provenance tags stored in Item.Source.
const (
	SourceHackerNews = "hacker_news"
	SourceUser       = "user"
)

// Item is a story, comment, job or poll mirrored from the remote API.
// ID is the storage-assigned identity; ExternalID is the remote one.
type Item struct {
	ID          int64
	ExternalID  int64
	ParentID    *int64
	ChildIDs    []int64
	Author      *string
	Title       *string
	Text        *string
	URL         *string
	Type        string
	CreatedAt   *time.Time // remote timestamp, never updated after insert
	Score       *int
	Descendants *int
	Source      string
}

// IsTopLevel reports whether the item has no parent.
func (i *Item) IsTopLevel() bool {
	return i.ParentID == nil
}

// Field names a mutable Item attribute that upserts and bulk updates may sync.
type Field string

const (
	FieldParentID    Field = "parent_id"
	FieldChildIDs    Field = "child_ids"
	FieldAuthor      Field = "author"
	FieldTitle       Field = "title"
	FieldText        Field = "text"
	FieldURL         Field = "url"
	FieldType        Field = "type"
	FieldScore       Field = "score"
	FieldDescendants Field = "descendants"
	FieldSource      Field = "source"
)

// TopLevelSyncFields are refreshed on stories that are already stored.
var TopLevelSyncFields = []Field{
	FieldAuthor,
	FieldChildIDs,
	FieldScore,
	FieldDescendants,
	FieldTitle,
	FieldText,
	FieldType,
	FieldURL,
	FieldSource,
}

// ChildSyncFields are refreshed on comments that turn out to be stored already.
var ChildSyncFields = []Field{
	FieldAuthor,
	FieldChildIDs,
	FieldText,
	FieldType,
	FieldParentID,
	FieldSource,
}

// TopLevelFilter narrows FindTopLevel results.
type TopLevelFilter struct {
	Types  []string
	Search string
	Limit  uint64
	Offset uint64
}
