package compose

import (
	"github.com/shineum/smtp-sender-lite/internal/email"
)

// Multipart subtypes chosen by Prepare.
const (
	SubtypeMixed       = "mixed"
	SubtypeRelated     = "related"
	SubtypeAlternative = "alternative"
)

const boundaryPrefix = "----SMTPSENDER-"

// Plan is the formatting decision for one send.
type Plan struct {
	Multipart bool
	// Mixed is set when the message carries attachments; the text parts are
	// then wrapped in their own multipart/alternative.
	Mixed            bool
	Subtype          string
	Boundary         string
	ContentType      string
	TransferEncoding string
}

// Prepare derives the Plan for msg. Every call mints a new boundary.
func (c *Composer) Prepare(msg *email.Message) Plan {
	if msg.HTML == "" && !msg.HasAttachments() {
		return Plan{
			ContentType:      "text/plain; charset=" + email.Charset,
			TransferEncoding: "quoted-printable",
		}
	}

	p := Plan{
		Multipart: true,
		Mixed:     msg.HasAttachments(),
		Subtype:   SubtypeAlternative,
		Boundary:  c.boundary(),
	}
	if p.Mixed {
		p.Subtype = SubtypeMixed
		for _, a := range msg.Attachments {
			// Clients hide inline parts referenced by cid under multipart/related.
			if a.ContentID != "" {
				p.Subtype = SubtypeRelated
				break
			}
		}
	}
	p.ContentType = "multipart/" + p.Subtype + "; boundary=" + p.Boundary
	return p
}

func (c *Composer) boundary() string {
	return boundaryPrefix + c.ids.Generate()
}
