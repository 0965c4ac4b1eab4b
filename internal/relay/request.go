package relay

import (
	"github.com/google/uuid"
)

// Outcomes recorded for a request once the pipeline is done with it.
const (
	OutcomeSent     = "sent"
	OutcomeCacheHit = "cache_hit"
	OutcomeIgnored  = "ignored"
)

const (
	WorkingReaction  = "👨‍💻"
	NegativeReaction = "👎"

	ChatActionUploadVideo = "upload_video"
	ChatActionUploadVoice = "upload_voice"
)

type (
	// Request is a single inbound message (or callback) to be relayed.
	Request struct {
		ID                   uuid.UUID
		UserID               int64
		Username             string
		FirstName            string
		ChatID               int64
		ChatType             string
		MessageID            int
		Business             bool
		BusinessConnectionID string
		Text                 string

		// AudioOnly requests the audio track of the URL in Text, as offered
		// by the inline button on a video.
		AudioOnly bool
	}

	// Target addresses the chat (and message) a reply belongs to.
	Target struct {
		ChatID               int64
		MessageID            int
		BusinessConnectionID string
	}
)

func NewRequest() Request {
	return Request{ID: uuid.New()}
}

func (r Request) Target() Target {
	return Target{ChatID: r.ChatID, MessageID: r.MessageID, BusinessConnectionID: r.BusinessConnectionID}
}

// InBusinessContext reports whether the request arrived through a business
// connection, in which case reactions and chat actions are not available.
func (r Request) InBusinessContext() bool {
	return r.Business || r.BusinessConnectionID != ""
}
