package tools

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/chative-companion/server/internal/agent/model"
	"github.com/cloudwego/eino/schema"
)

const (
	SaveMemoryToolName  = "save_long_term_memory"
	GetMemoriesToolName = "get_long_term_memories"

	memorySearchLimit = 5
	maxFactLength     = 500
)

var memoryCategories = []string{"personal", "preferences", "relationships", "events", "other"}

// MemoryStore is the slice of the repository the memory tools need.
type MemoryStore interface {
	SaveMemory(ctx context.Context, m *model.Memory) (bool, error)
	SearchMemories(ctx context.Context, userID int64, query string, limit int) ([]model.Memory, error)
}

type userKey struct{}

// WithUserID scopes tool calls made under ctx to one user.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

func UserIDFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userKey{}).(int64)
	return id, ok
}

var errNoUser = errors.New("no user bound to this conversation")

// ===================================
// Save Long-Term Memory Tool
// ===================================

type SaveMemoryInput struct {
	Fact     string `json:"fact"`
	Category string `json:"category,omitempty"`
}

type SaveMemoryOutput struct {
	Status string `json:"status"`
	Fact   string `json:"fact"`
}

func NewSaveMemoryTool(store MemoryStore) (*Tool, error) {
	return NewTool(Definition{
		Name: SaveMemoryToolName,
		Desc: "Remember an important, lasting fact about the user (name, family, pets, job, likes, plans). Do not store small talk or things already remembered.",
		Params: map[string]*Param{
			"fact": {
				Type:      schema.String,
				Desc:      "The fact in one short sentence, written in third person. Example: User has a cat named Miso.",
				Required:  true,
				MaxLength: maxFactLength,
			},
			"category": {
				Type: schema.String,
				Desc: "Optional category of the fact.",
				Enum: memoryCategories,
			},
		},
	}, func(ctx context.Context, in *SaveMemoryInput) (*SaveMemoryOutput, error) {
		userID, ok := UserIDFrom(ctx)
		if !ok {
			return nil, errNoUser
		}
		fact := strings.TrimSpace(in.Fact)
		m := &model.Memory{UserID: userID, Fact: fact, Timestamp: time.Now().UTC()}
		if in.Category != "" {
			category := in.Category
			m.Category = &category
		}
		saved, err := store.SaveMemory(ctx, m)
		if err != nil {
			return nil, err
		}
		status := "saved"
		if !saved {
			status = "already_known"
		}
		return &SaveMemoryOutput{Status: status, Fact: fact}, nil
	})
}

// ===================================
// Get Long-Term Memories Tool
// ===================================

type GetMemoriesInput struct {
	Query string `json:"query"`
}

type MemoryItem struct {
	Fact      string    `json:"fact"`
	Category  string    `json:"category,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type GetMemoriesOutput struct {
	Memories []MemoryItem `json:"memories"`
	Total    int          `json:"total"`
}

func NewGetMemoriesTool(store MemoryStore) (*Tool, error) {
	return NewTool(Definition{
		Name: GetMemoriesToolName,
		Desc: "Look up facts remembered about the user in earlier conversations. Use it when the user refers to something from the past.",
		Params: map[string]*Param{
			"query": {
				Type:     schema.String,
				Desc:     "A keyword to search for, for example: cat, birthday, work.",
				Required: true,
			},
		},
	}, func(ctx context.Context, in *GetMemoriesInput) (*GetMemoriesOutput, error) {
		userID, ok := UserIDFrom(ctx)
		if !ok {
			return nil, errNoUser
		}
		found, err := store.SearchMemories(ctx, userID, in.Query, memorySearchLimit)
		if err != nil {
			return nil, err
		}
		out := &GetMemoriesOutput{Memories: make([]MemoryItem, 0, len(found)), Total: len(found)}
		for _, m := range found {
			item := MemoryItem{Fact: m.Fact, Timestamp: m.Timestamp}
			if m.Category != nil {
				item.Category = *m.Category
			}
			out.Memories = append(out.Memories, item)
		}
		return out, nil
	})
}

// NewMemoryTools builds the default tool set backed by store.
func NewMemoryTools(store MemoryStore) ([]*Tool, error) {
	save, err := NewSaveMemoryTool(store)
	if err != nil {
		return nil, err
	}
	get, err := NewGetMemoriesTool(store)
	if err != nil {
		return nil, err
	}
	return []*Tool{save, get}, nil
}
