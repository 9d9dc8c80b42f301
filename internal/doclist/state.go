package doclist

import (
	"time"

	"docchat/internal/models"
)

// Status is the coarse UI state of a document list.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusError:
		return "error"
	default:
		return "idle"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type listState struct {
	docs []models.Document

	// pending maps a document under deletion to its last backend-observed status.
	pending map[string]models.DocStatus

	// tombstones maps a confirmed delete to the last refresh started before
	// the confirmation. Responses of those refreshes may still list it.
	tombstones map[string]uint64

	inflight    int
	err         error
	loaded      bool
	refreshSeq  uint64
	appliedSeq  uint64
	version     uint64
	refreshedAt time.Time
}

func newListState() listState {
	return listState{
		pending:    make(map[string]models.DocStatus),
		tombstones: make(map[string]uint64),
	}
}

func (s *listState) status() Status {
	switch {
	case s.inflight > 0:
		return StatusLoading
	case s.err != nil:
		return StatusError
	default:
		return StatusIdle
	}
}

func indexOf(docs []models.Document, id string) int {
	for i := range docs {
		if docs[i].DocumentID == id {
			return i
		}
	}
	return -1
}

// The reducers below never modify their input; each returns a fresh slice.

func markDeleting(docs []models.Document, id string) []models.Document {
	return setStatus(docs, id, models.StatusDeleting)
}

func setStatus(docs []models.Document, id string, status models.DocStatus) []models.Document {
	out := models.CloneDocuments(docs)
	if i := indexOf(out, id); i >= 0 {
		out[i].DocStatus = status
	}
	return out
}

func removeByID(docs []models.Document, id string) []models.Document {
	out := make([]models.Document, 0, len(docs))
	for _, d := range docs {
		if d.DocumentID == id {
			continue
		}
		out = append(out, d.Clone())
	}
	return out
}

// replaceAll takes a fresh backend listing as the whole new sequence.
func replaceAll(fresh []models.Document) []models.Document {
	out := models.CloneDocuments(fresh)
	if out == nil {
		out = []models.Document{}
	}
	return out
}

// overlayPending keeps the DELETING placeholder on documents whose deletion
// has not been confirmed yet.
func overlayPending(docs []models.Document, pending map[string]models.DocStatus) []models.Document {
	if len(pending) == 0 {
		return docs
	}
	out := models.CloneDocuments(docs)
	for i := range out {
		if _, ok := pending[out[i].DocumentID]; ok {
			out[i].DocStatus = models.StatusDeleting
		}
	}
	return out
}

// dropTombstoned removes deleted documents from a listing read before the
// delete was confirmed.
func dropTombstoned(docs []models.Document, tombstones map[string]uint64, seq uint64) []models.Document {
	if len(tombstones) == 0 {
		return docs
	}
	out := make([]models.Document, 0, len(docs))
	for _, d := range docs {
		if last, ok := tombstones[d.DocumentID]; ok && seq <= last {
			continue
		}
		out = append(out, d)
	}
	return out
}

// pruneTombstones forgets deletes that the listing of seq already reflects.
func pruneTombstones(tombstones map[string]uint64, seq uint64) {
	for id, last := range tombstones {
		if seq > last {
			delete(tombstones, id)
		}
	}
}

func hasInProgress(docs []models.Document) bool {
	for _, d := range docs {
		if d.DocStatus.InProgress() {
			return true
		}
	}
	return false
}
