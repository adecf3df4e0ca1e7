// Package resolve implements the multi-strategy matcher that decides
// which thread an incoming message belongs to. Strategies run in strict
// priority order, the first match wins, confidences are fixed policy.
package resolve

import (
	"context"
	"strings"
	"time"

	"github.com/tidewater/loom/internal/models"
)

// Resolution method names, recorded on the message for diagnostics.
const (
	MethodConversationID   = "conversation-id"
	MethodCorrelationToken = "correlation-token"
	MethodCorrelationChain = "correlation-chain"
	MethodInReplyTo        = "in-reply-to"
	MethodReferences       = "references-chain"
	MethodSubject          = "subject-similarity"
	MethodProximity        = "recipient-proximity"
	MethodNewThread        = "new-thread"
)

// Fixed confidence policy per strategy.
const (
	ConfidenceConversationID   = 1.00
	ConfidenceCorrelationToken = 0.95
	ConfidenceCorrelationChain = 0.85
	ConfidenceInReplyTo        = 0.99
	ConfidenceReferences       = 0.95
	ConfidenceSubject          = 0.70
	ConfidenceProximity        = 0.50
)

// The result of one resolution attempt. ThreadID zero means no home was
// found and the aggregator should open a new thread. Resolutions are
// never persisted as their own entity, only the method and confidence
// land on the message row.
type Resolution struct {
	ThreadID   int64
	Confidence float64
	Method     string
}

// Matched reports whether the attempt found an existing thread.
func (r Resolution) Matched() bool {
	return r.ThreadID != 0
}

// Index is the read-only view of committed message/thread state the
// strategies match against. Lookups hold no locks, they read already
// committed rows.
type Index interface {
	ThreadByConversationID(ctx context.Context, conversationID string) (*models.Thread, error)
	ThreadByCorrelationToken(ctx context.Context, token string) (*models.Thread, error)

	// MessageByWireID matches an id from the in-reply-to or references
	// headers against known messages, by internet message id first and
	// provider id as a fallback.
	MessageByWireID(ctx context.Context, id string) (*models.Message, error)

	RecentThreads(ctx context.Context, since time.Time) ([]models.Thread, error)
	LastMessageOnThread(ctx context.Context, threadID int64) (*models.Message, error)
	RecentMessages(ctx context.Context, since time.Time) ([]models.Message, error)
}

// Tunables for the fallback strategies. The similarity and overlap
// thresholds are conventional values, not derived ones, which is why
// they are configuration rather than constants.
type Config struct {
	SubjectSimilarity float64
	RecipientOverlap  float64
	SubjectLookback   time.Duration
	ProximityLookback time.Duration
}

func DefaultConfig() Config {
	return Config{
		SubjectSimilarity: 0.90,
		RecipientOverlap:  0.70,
		SubjectLookback:   30 * 24 * time.Hour,
		ProximityLookback: 24 * time.Hour,
	}
}

// A strategy inspects one message against the index and either claims a
// thread or passes. Strategies are pure, ordering and acceptance policy
// live in the resolver.
type strategy func(ctx context.Context, message *models.Message, index Index, config Config) (*Resolution, error)

type Resolver struct {
	index  Index
	config Config
}

func NewResolver(index Index, config Config) *Resolver {
	return &Resolver{index: index, config: config}
}

// Resolve runs the strategy cascade and returns the first match. It
// never combines confidences across strategies. When nothing matches it
// returns the new-thread resolution with confidence zero.
func (r *Resolver) Resolve(ctx context.Context, message *models.Message) (Resolution, error) {
	strategies := []strategy{
		byConversationID,
		byCorrelationToken,
		byInReplyTo,
		byReferences,
		bySubjectSimilarity,
		byRecipientProximity,
	}

	for _, strategy := range strategies {
		resolution, err := strategy(ctx, message, r.index, r.config)
		if err != nil {
			return Resolution{}, err
		}
		if resolution != nil {
			return *resolution, nil
		}
	}

	return Resolution{Method: MethodNewThread}, nil
}

// Strategy 1: exact match on the provider assigned conversation id.
func byConversationID(ctx context.Context, message *models.Message, index Index, _ Config) (*Resolution, error) {
	if message.ConversationID == "" {
		return nil, nil
	}

	thread, err := index.ThreadByConversationID(ctx, message.ConversationID)
	if err != nil || thread == nil {
		return nil, err
	}

	return &Resolution{
		ThreadID:   thread.ID,
		Confidence: ConfidenceConversationID,
		Method:     MethodConversationID,
	}, nil
}

// Strategy 2: the application correlation token, either directly on the
// message's custom header or embedded in the references chain as the
// local part of a synthetic message id.
func byCorrelationToken(ctx context.Context, message *models.Message, index Index, _ Config) (*Resolution, error) {
	if message.CorrelationToken != "" {
		thread, err := index.ThreadByCorrelationToken(ctx, message.CorrelationToken)
		if err != nil {
			return nil, err
		}
		if thread != nil {
			return &Resolution{
				ThreadID:   thread.ID,
				Confidence: ConfidenceCorrelationToken,
				Method:     MethodCorrelationToken,
			}, nil
		}
	}

	for _, reference := range message.ReferenceIDs() {
		for _, candidate := range tokenCandidates(reference) {
			thread, err := index.ThreadByCorrelationToken(ctx, candidate)
			if err != nil {
				return nil, err
			}
			if thread != nil {
				return &Resolution{
					ThreadID:   thread.ID,
					Confidence: ConfidenceCorrelationChain,
					Method:     MethodCorrelationChain,
				}, nil
			}
		}
	}

	return nil, nil
}

// tokenCandidates lists the exact strings a references entry could
// carry a token as: the raw id, or the local part of an id this system
// minted as "<token@domain>".
func tokenCandidates(reference string) []string {
	candidates := []string{reference}
	if local, _, found := strings.Cut(reference, "@"); found && local != "" {
		candidates = append(candidates, local)
	}
	return candidates
}

// Strategy 3: the in-reply-to header names a message we know. Resolves
// to the parent's thread.
func byInReplyTo(ctx context.Context, message *models.Message, index Index, _ Config) (*Resolution, error) {
	if message.InReplyTo == "" {
		return nil, nil
	}

	parent, err := index.MessageByWireID(ctx, message.InReplyTo)
	if err != nil || parent == nil {
		return nil, err
	}

	return &Resolution{
		ThreadID:   parent.ThreadID,
		Confidence: ConfidenceInReplyTo,
		Method:     MethodInReplyTo,
	}, nil
}

// Strategy 4: scan the ancestor chain in order and take the first id
// that names a known message.
func byReferences(ctx context.Context, message *models.Message, index Index, _ Config) (*Resolution, error) {
	for _, reference := range message.ReferenceIDs() {
		ancestor, err := index.MessageByWireID(ctx, reference)
		if err != nil {
			return nil, err
		}
		if ancestor != nil {
			return &Resolution{
				ThreadID:   ancestor.ThreadID,
				Confidence: ConfidenceReferences,
				Method:     MethodReferences,
			}, nil
		}
	}

	return nil, nil
}

// Strategy 5: subject similarity against recently active threads whose
// latest message shares at least one recipient with this one. The best
// candidate is accepted only above the similarity threshold and only if
// its most recent sender differs from this message's sender, so a
// second message from the same sender on the same subject does not
// spuriously reply to itself before a real reply exists.
func bySubjectSimilarity(ctx context.Context, message *models.Message, index Index, config Config) (*Resolution, error) {
	if message.Subject == "" {
		return nil, nil
	}

	threads, err := index.RecentThreads(ctx, message.SentAt.Add(-config.SubjectLookback))
	if err != nil {
		return nil, err
	}

	recipients := message.RecipientSet()

	var best *models.Thread
	var bestLast *models.Message
	var bestScore float64

	// RecentThreads is ordered by last activity, newest first, so a
	// strict comparison keeps the most recently active candidate on a
	// tie.
	for i := range threads {
		thread := &threads[i]

		last, err := index.LastMessageOnThread(ctx, thread.ID)
		if err != nil {
			return nil, err
		}
		if last == nil || !overlaps(recipients, last.RecipientSet()) {
			continue
		}

		score := Similarity(message.Subject, thread.SubjectAnchor)
		if score > bestScore {
			best, bestLast, bestScore = thread, last, score
		}
	}

	if best == nil || bestScore < config.SubjectSimilarity {
		return nil, nil
	}
	if bestLast.Sender == message.Sender {
		return nil, nil
	}

	return &Resolution{
		ThreadID:   best.ID,
		Confidence: ConfidenceSubject,
		Method:     MethodSubject,
	}, nil
}

// Strategy 6: participant overlap with messages from the preceding
// 24 hours. The candidate with the highest Jaccard overlap wins if it
// clears the threshold.
func byRecipientProximity(ctx context.Context, message *models.Message, index Index, config Config) (*Resolution, error) {
	candidates, err := index.RecentMessages(ctx, message.SentAt.Add(-config.ProximityLookback))
	if err != nil {
		return nil, err
	}

	participants := message.ParticipantSet()

	var best *models.Message
	var bestScore float64

	// Ordered newest first, strict comparison keeps the most recent
	// candidate on a tie.
	for i := range candidates {
		candidate := &candidates[i]
		if candidate.ProviderID == message.ProviderID {
			continue
		}
		if candidate.SentAt.After(message.SentAt) {
			continue
		}

		score := jaccard(participants, candidate.ParticipantSet())
		if score > bestScore {
			best, bestScore = candidate, score
		}
	}

	if best == nil || bestScore < config.RecipientOverlap {
		return nil, nil
	}

	return &Resolution{
		ThreadID:   best.ThreadID,
		Confidence: ConfidenceProximity,
		Method:     MethodProximity,
	}, nil
}

func overlaps(a map[string]struct{}, b map[string]struct{}) bool {
	for member := range a {
		if _, ok := b[member]; ok {
			return true
		}
	}
	return false
}

func jaccard(a map[string]struct{}, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}

	intersection := 0
	for member := range a {
		if _, ok := b[member]; ok {
			intersection++
		}
	}

	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
