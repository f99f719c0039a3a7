package conversations

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/chative-companion/server/internal/agent/model"
	"github.com/chative-companion/server/internal/agent/repo"
	logx "github.com/chative-companion/server/pkg/logger"

	"github.com/cloudwego/eino/schema"
)

const (
	stampLayout = "02.01.2006 15:04"

	DefaultMaxImageBytes = 10 << 20
	defaultImageMIMEType = "image/jpeg"
)

// Assembler builds the per-request ConversationContext from the cache, falling
// back to one store read when either cached half is missing.
type Assembler struct {
	repo            *repo.Repository
	historyLimit    int
	defaultTimezone string
	maxImageBytes   int
	now             func() time.Time
}

func NewAssembler(r *repo.Repository, config model.ConversationConfig) *Assembler {
	limit := config.HistoryLimit
	if limit <= 0 {
		limit = 20
	}
	maxImage := config.MaxImageBytes
	if maxImage <= 0 {
		maxImage = DefaultMaxImageBytes
	}
	return &Assembler{
		repo:            r,
		historyLimit:    limit,
		defaultTimezone: config.DefaultTimezone,
		maxImageBytes:   maxImage,
		now:             time.Now,
	}
}

func (a *Assembler) HistoryLimit() int { return a.historyLimit }

// Assemble returns a fresh context owned by the caller. A user the store has
// never seen gets a default profile instead of an error.
func (a *Assembler) Assemble(ctx context.Context, userID int64) (*model.ConversationContext, error) {
	cache := a.repo.Cache()

	var profile model.Profile
	var stored model.StoredContext
	hits := cache.GetMany(ctx, []string{repo.ProfileKey(userID), repo.ContextKey(userID)}, &profile, &stored)
	profileHit, contextHit := hits[0], hits[1]
	if profileHit && contextHit {
		return &model.ConversationContext{
			UserID:         userID,
			Profile:        &profile,
			LatestSummary:  stored.Summary,
			RecentMessages: stored.Messages,
		}, nil
	}

	sc, err := a.repo.LoadContext(ctx, userID, a.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("assemble context: %w", err)
	}
	p := sc.Profile
	if p != nil {
		cache.Set(ctx, repo.ProfileKey(userID), p, 0)
	} else {
		p = model.NewUserProfile(userID, a.now().UTC())
	}
	cache.Set(ctx, repo.ContextKey(userID), model.StoredContext{Summary: sc.Summary, Messages: sc.Messages}, 0)

	logx.Debug().
		Int64("user_id", userID).
		Bool("profile_hit", profileHit).
		Bool("context_hit", contextHit).
		Int("messages", len(sc.Messages)).
		Msg("context loaded from store")

	return &model.ConversationContext{
		UserID:         userID,
		Profile:        p,
		LatestSummary:  sc.Summary,
		RecentMessages: sc.Messages,
	}, nil
}

// BuildTurns renders the model input: the system instruction, the last
// HistoryLimit messages and the new user message stamped in the user's local
// time. A usable attachment turns the last message into an image part followed
// by the text part.
func (a *Assembler) BuildTurns(cc *model.ConversationContext, system, text string, ts time.Time, att *model.Attachment) []*schema.Message {
	history := trimTail(cc.RecentMessages, a.historyLimit)
	turns := make([]*schema.Message, 0, len(history)+2)
	turns = append(turns, schema.SystemMessage(system))
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleUser:
			turns = append(turns, schema.UserMessage(m.Content))
		case model.RoleModel:
			turns = append(turns, schema.AssistantMessage(m.Content, nil))
		}
	}
	formatted := a.FormatUserMessage(cc.Profile, text, ts)
	image, ok := a.ImagePart(cc.UserID, att)
	if !ok {
		return append(turns, schema.UserMessage(formatted))
	}
	return append(turns, &schema.Message{
		Role: schema.User,
		MultiContent: []schema.ChatMessagePart{
			image,
			{Type: schema.ChatMessagePartTypeText, Text: formatted},
		},
	})
}

// ImagePart validates an attachment and renders it as an inline data URI. The
// encoded length is checked before decoding so an oversized payload is never
// expanded in memory. Anything unusable is dropped with a warning and the
// message goes out as text.
func (a *Assembler) ImagePart(userID int64, att *model.Attachment) (schema.ChatMessagePart, bool) {
	if att == nil || att.Data == "" {
		return schema.ChatMessagePart{}, false
	}
	log := logx.With().Int64("user_id", userID).Int("encoded_bytes", len(att.Data)).Int("max_bytes", a.maxImageBytes).Logger()
	if len(att.Data) > base64.StdEncoding.EncodedLen(a.maxImageBytes) {
		log.Warn().Msg("image attachment too large, dropping it")
		return schema.ChatMessagePart{}, false
	}
	raw, err := base64.StdEncoding.DecodeString(att.Data)
	if err != nil {
		log.Warn().Err(err).Msg("image attachment is not valid base64, dropping it")
		return schema.ChatMessagePart{}, false
	}
	if len(raw) > a.maxImageBytes {
		log.Warn().Int("decoded_bytes", len(raw)).Msg("image attachment too large, dropping it")
		return schema.ChatMessagePart{}, false
	}
	mime := att.MIMEType
	if mime == "" {
		mime = defaultImageMIMEType
	}
	uri := "data:" + mime + ";base64," + att.Data
	return schema.ChatMessagePart{
		Type:     schema.ChatMessagePartTypeImageURL,
		ImageURL: &schema.ChatMessageImageURL{URL: uri, URI: uri, MIMEType: mime},
	}, true
}

// FormatUserMessage prefixes text with [dd.mm.yyyy HH:MM] in the user's time
// zone. Without a usable zone the text is returned unchanged.
func (a *Assembler) FormatUserMessage(p *model.Profile, text string, ts time.Time) string {
	zone := p.TimezoneName()
	if zone == "" {
		zone = a.defaultTimezone
	}
	if zone == "" {
		return text
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		var userID int64
		if p != nil {
			userID = p.UserID
		}
		logx.Warn().Err(err).Str("timezone", zone).Int64("user_id", userID).Msg("unknown timezone, sending message without time stamp")
		return text
	}
	if ts.IsZero() {
		ts = a.now()
	}
	return "[" + ts.In(loc).Format(stampLayout) + "] " + text
}

func trimTail(messages []model.ChatMessage, maxTurns int) []model.ChatMessage {
	if maxTurns <= 0 || len(messages) <= maxTurns {
		return messages
	}
	return messages[len(messages)-maxTurns:]
}
