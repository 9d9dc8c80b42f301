package models

import (
	"net/url"
	"strings"
)

// DocStatus is the backend processing state of a document. The set of values
// is owned by the backend; unknown values are carried through untouched.
type DocStatus string

const (
	StatusUploaded   DocStatus = "UPLOADED"
	StatusProcessing DocStatus = "PROCESSING"
	StatusReady      DocStatus = "READY"
	StatusDeleting   DocStatus = "DELETING"
)

// InProgress reports whether the backend is still working on the document.
func (s DocStatus) InProgress() bool {
	return s == StatusUploaded || s == StatusProcessing
}

// Conversation references one chat thread attached to a document.
type Conversation struct {
	ConversationID string `json:"conversationid"`
	Created        string `json:"created,omitempty"`
}

// Document is the summary record returned by GET /doc.
type Document struct {
	UserID        string         `json:"userid,omitempty"`
	DocumentID    string         `json:"documentid"`
	Filename      string         `json:"filename,omitempty"`
	Filesize      string         `json:"filesize,omitempty"`
	Pages         string         `json:"pages,omitempty"`
	Created       string         `json:"created,omitempty"`
	DocStatus     DocStatus      `json:"docstatus"`
	Conversations []Conversation `json:"conversations"`
}

// Navigable reports whether the document can be opened. READY documents
// without a conversation have nowhere to go.
func (d Document) Navigable() bool {
	return d.DocStatus == StatusReady && len(d.Conversations) > 0
}

// Href is the link target of the document card: the first conversation
// when navigable, "#" otherwise.
func (d Document) Href() string {
	if !d.Navigable() {
		return "#"
	}
	return ViewerPath(d.DocumentID, d.Conversations[0].ConversationID)
}

// ViewerPath builds /doc/{documentid}/{conversationid}/.
func ViewerPath(documentID, conversationID string) string {
	var b strings.Builder
	b.WriteString("/doc/")
	b.WriteString(url.PathEscape(documentID))
	b.WriteString("/")
	b.WriteString(url.PathEscape(conversationID))
	b.WriteString("/")
	return b.String()
}

// Clone returns a deep copy so callers cannot alias controller state.
func (d Document) Clone() Document {
	if d.Conversations != nil {
		convs := make([]Conversation, len(d.Conversations))
		copy(convs, d.Conversations)
		d.Conversations = convs
	}
	return d
}

// CloneDocuments deep-copies a document slice, keeping nil as nil.
func CloneDocuments(docs []Document) []Document {
	if docs == nil {
		return nil
	}
	out := make([]Document, len(docs))
	for i, d := range docs {
		out[i] = d.Clone()
	}
	return out
}
