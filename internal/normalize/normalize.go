// Package normalize turns raw provider message payloads into canonical
// message values. Everything here is pure, the same payload always
// normalizes identically.
package normalize

import (
	"fmt"
	"strings"

	"github.com/jaytaylor/html2text"
	"github.com/pkg/errors"
	"github.com/tidewater/loom/internal/models"
	"github.com/tidewater/loom/internal/provider"
)

// MalformedMessageError marks a payload that is missing mandatory
// fields. Re-fetching the same payload cannot change it, so these are
// skipped, never retried.
type MalformedMessageError struct {
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return "malformed message: " + e.Reason
}

// Reports whether the error is a malformed payload.
func IsMalformed(err error) bool {
	var malformed *MalformedMessageError
	return errors.As(err, &malformed)
}

// Message builds the canonical message value for a raw provider payload.
// selfAddress is the mailbox the subscription watches, it decides the
// message direction. The returned message is not persisted and carries
// no thread assignment yet.
func Message(raw *provider.Message, selfAddress string) (*models.Message, error) {
	if raw.ID == "" {
		return nil, &MalformedMessageError{Reason: "missing provider id"}
	}
	if raw.From == nil || raw.From.EmailAddress.Address == "" {
		return nil, &MalformedMessageError{Reason: "missing sender"}
	}

	sentAt := raw.ReceivedDateTime
	if sentAt.IsZero() {
		sentAt = raw.SentDateTime
	}
	if sentAt.IsZero() {
		return nil, &MalformedMessageError{Reason: "missing timestamp"}
	}

	sender := strings.ToLower(raw.From.EmailAddress.Address)

	to := Recipients(raw.ToRecipients)
	cc := Recipients(raw.CcRecipients)

	var references []string
	for _, id := range strings.Fields(raw.Header("References")) {
		references = append(references, CleanMessageID(id))
	}

	return &models.Message{
		ProviderID:        raw.ID,
		InternetMessageID: CleanMessageID(raw.InternetMessageID),
		InReplyTo:         CleanMessageID(raw.Header("In-Reply-To")),
		References:        strings.Join(references, " "),
		ConversationID:    raw.ConversationID,
		CorrelationToken:  raw.Header(provider.CorrelationHeader),
		Subject:           Subject(raw.Subject),
		RawSubject:        raw.Subject,
		Sender:            sender,
		To:                strings.Join(to, " "),
		Cc:                strings.Join(cc, " "),
		SentAt:            sentAt.UTC(),
		Direction:         direction(sender, to, cc, strings.ToLower(selfAddress)),
		BodyPreview:       preview(raw),
		BodyRef:           fmt.Sprintf("provider:%s", raw.ID),
	}, nil
}

// Reply and forward markers mail clients prepend, lowercased. Covers the
// English forms plus the German and Swedish abbreviations.
var replyMarkers = []string{"re", "fwd", "fw", "aw", "wg", "sv"}

// Subject normalizes a subject line: it strips leading reply/forward
// markers and leading bracketed tags until neither applies, collapses
// whitespace and folds case. The function is idempotent.
func Subject(subject string) string {
	subject = strings.ToLower(strings.TrimSpace(subject))

	for {
		stripped := stripMarker(subject)
		stripped = stripTag(stripped)
		if stripped == subject {
			break
		}
		subject = stripped
	}

	return strings.Join(strings.Fields(subject), " ")
}

// stripMarker removes one leading reply/forward marker, including the
// "re[2]:" counter form some clients write.
func stripMarker(subject string) string {
	for _, marker := range replyMarkers {
		rest, ok := strings.CutPrefix(subject, marker)
		if !ok {
			continue
		}

		// An optional bracketed counter between marker and colon.
		if counter, closed, found := strings.Cut(rest, "]"); found && strings.HasPrefix(counter, "[") {
			if isDigits(counter[1:]) {
				rest = closed
			}
		}

		if rest, ok = strings.CutPrefix(rest, ":"); ok {
			return strings.TrimSpace(rest)
		}
	}
	return subject
}

// stripTag removes one leading bracketed tag like "[ticket-123]".
func stripTag(subject string) string {
	if !strings.HasPrefix(subject, "[") {
		return subject
	}
	if _, rest, found := strings.Cut(subject, "]"); found {
		return strings.TrimSpace(rest)
	}
	return subject
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// CleanMessageID strips the angle brackets off a message id header
// value.
func CleanMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}

// Recipients extracts the recipient addresses, lowercased and
// de-duplicated, dropping display names. Order is preserved for
// display.
func Recipients(recipients []provider.Recipient) []string {
	var addresses []string
	seen := map[string]struct{}{}

	for _, recipient := range recipients {
		address := strings.ToLower(strings.TrimSpace(recipient.EmailAddress.Address))
		if address == "" {
			continue
		}
		if _, ok := seen[address]; ok {
			continue
		}
		seen[address] = struct{}{}
		addresses = append(addresses, address)
	}

	return addresses
}

func direction(sender string, to []string, cc []string, selfAddress string) string {
	if sender != selfAddress {
		return models.DirectionInbound
	}

	for _, address := range to {
		if address != selfAddress {
			return models.DirectionOutbound
		}
	}
	for _, address := range cc {
		if address != selfAddress {
			return models.DirectionOutbound
		}
	}
	return models.DirectionInternal
}

// preview picks a short text representation of the body. The provider's
// own preview wins, otherwise html bodies are converted down to text.
func preview(raw *provider.Message) string {
	if raw.BodyPreview != "" {
		return raw.BodyPreview
	}

	content := raw.Body.Content
	if strings.EqualFold(raw.Body.ContentType, "html") {
		if text, err := html2text.FromString(content, html2text.Options{TextOnly: true}); err == nil {
			content = text
		}
	}

	content = strings.TrimSpace(content)
	if len(content) > 280 {
		content = content[:280]
	}
	return content
}
