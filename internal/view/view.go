// Package view turns document list snapshots into page models and holds the
// HTML templates that render them.
package view

import (
	"embed"
	"html/template"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"docchat/internal/doclist"
	"docchat/internal/models"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

const (
	ListTemplate   = "list.tmpl"
	ViewerTemplate = "viewer.tmpl"

	// AutoRefreshSeconds is how often the list page reloads while documents settle.
	AutoRefreshSeconds = 5
)

// Templates parses the embedded page templates.
func Templates() (*template.Template, error) {
	return template.New("docchat").ParseFS(templateFS, "templates/*.tmpl")
}

// Card is one document tile of the list grid.
type Card struct {
	DocumentID   string
	Filename     string
	Status       models.DocStatus
	Pages        string
	Filesize     string
	Created      string
	Href         string
	Navigable    bool
	Deleting     bool
	DeleteAction string
}

// Head feeds the shared page header. A zero RefreshSeconds disables reloads.
type Head struct {
	Title          string
	RefreshSeconds int
}

// ListPage is the model behind list.tmpl.
type ListPage struct {
	Head        Head
	Cards       []Card
	Spinning    bool
	ShowEmpty   bool
	ShowLoading bool
	Error       string
	AutoRefresh bool
	Version     uint64
	CSRFField   string
	CSRFToken   string
}

// NewListPage applies the rendering rules to a snapshot. The empty state and
// the loading indicator are mutually exclusive and only shown without cards.
func NewListPage(snap doclist.Snapshot, csrfField, csrfToken string) ListPage {
	page := ListPage{
		Head:      Head{Title: "My documents"},
		Cards:     make([]Card, 0, len(snap.Documents)),
		Spinning:  snap.Status == doclist.StatusLoading,
		Error:     snap.Error,
		Version:   snap.Version,
		CSRFField: csrfField,
		CSRFToken: csrfToken,
	}
	for _, d := range snap.Documents {
		page.Cards = append(page.Cards, NewCard(d))
		if d.DocStatus == models.StatusDeleting || d.DocStatus.InProgress() {
			page.AutoRefresh = true
		}
	}
	if page.AutoRefresh {
		page.Head.RefreshSeconds = AutoRefreshSeconds
	}
	if len(page.Cards) == 0 {
		page.ShowEmpty = snap.Status == doclist.StatusIdle
		page.ShowLoading = snap.Status == doclist.StatusLoading
	}
	return page
}

func NewCard(d models.Document) Card {
	return Card{
		DocumentID:   d.DocumentID,
		Filename:     displayName(d),
		Status:       d.DocStatus,
		Pages:        d.Pages,
		Filesize:     FormatFilesize(d.Filesize),
		Created:      FormatCreated(d.Created),
		Href:         d.Href(),
		Navigable:    d.Navigable(),
		Deleting:     d.DocStatus == models.StatusDeleting,
		DeleteAction: "/doc/" + url.PathEscape(d.DocumentID) + "/delete",
	}
}

func displayName(d models.Document) string {
	if d.Filename != "" {
		return d.Filename
	}
	return d.DocumentID
}

// FormatFilesize renders a byte count as reported by the backend. Values that
// are not plain integers are shown as-is.
func FormatFilesize(raw string) string {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return raw
	}
	return humanize.Bytes(n)
}

// FormatCreated shortens RFC 3339 timestamps to a date.
func FormatCreated(raw string) string {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("Jan 2, 2006")
		}
	}
	return raw
}

// ViewerPage is the model behind viewer.tmpl.
type ViewerPage struct {
	Head           Head
	DocumentID     string
	ConversationID string
	URL            string
	Pages          string
	Filesize       string
	Messages       []ViewerMessage
}

type ViewerMessage struct {
	Speaker string
	Content string
}

func NewViewerPage(detail *models.DocumentDetail) ViewerPage {
	page := ViewerPage{
		Head:           Head{Title: displayName(detail.Document)},
		DocumentID:     detail.Document.DocumentID,
		ConversationID: detail.ConversationID,
		URL:            detail.URL,
		Pages:          detail.Document.Pages,
		Filesize:       FormatFilesize(detail.Document.Filesize),
		Messages:       make([]ViewerMessage, 0, len(detail.Messages)),
	}
	for _, m := range detail.Messages {
		speaker := "You"
		if m.Type == models.MessageAI {
			speaker = "Assistant"
		}
		page.Messages = append(page.Messages, ViewerMessage{Speaker: speaker, Content: m.Data.Content})
	}
	return page
}
